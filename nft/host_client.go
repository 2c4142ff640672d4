package nft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/auth"
	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
)

type HostConfig struct {
	BaseURL    string
	SigningKey string
	Timeout    time.Duration
}

type hostError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *hostError      `json:"error"`
}

// HostClient implements the collaborator ports against the host application
// over http. Requests are signed the same way inbound triggers are.
type HostClient struct {
	baseURL string
	key     []byte
	client  *http.Client
	encDec  util.EncoderDecoder[envelope]
	now     func() time.Time
}

var _ Eligibilities = (*HostClient)(nil)
var _ Catalog = (*HostClient)(nil)
var _ Records = (*HostClient)(nil)
var _ Chain = (*HostClient)(nil)
var _ Results = (*HostClient)(nil)

func NewHostClient(conf HostConfig) *HostClient {
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HostClient{
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		key:     []byte(conf.SigningKey),
		client:  &http.Client{Timeout: timeout},
		encDec:  util.NewJsonEncoderDecoder[envelope](),
		now:     time.Now,
	}
}

// Host exposes the client as every collaborator of the definitions.
func (c *HostClient) Host() Host {
	return Host{Eligibilities: c, Catalog: c, Records: c, Chain: c, Results: c}
}

func (c *HostClient) do(ctx context.Context, operation string, req any, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return flow.TerminalError(flow.INVALID_INPUT, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orchy/"+operation, bytes.NewReader(body))
	if err != nil {
		return flow.TerminalError(flow.INVALID_INPUT, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(auth.SIGNATURE_HEADER, auth.Sign(c.key, body, c.now()))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return flow.RetryableError(flow.HOST_UNAVAILABLE, fmt.Errorf("%s: %w", operation, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return flow.RetryableError(flow.HOST_UNAVAILABLE, fmt.Errorf("%s: reading response: %w", operation, err))
	}
	env, decErr := c.encDec.Decode(raw)
	if decErr == nil && env.Error != nil {
		return &flow.StepError{Code: env.Error.Code, Message: env.Error.Message, Retryable: env.Error.Retryable}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return flow.Retryablef(flow.HOST_UNAVAILABLE, "%s: host answered %d", operation, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return flow.Terminalf(flow.INVALID_INPUT, "%s: host rejected request with %d", operation, resp.StatusCode)
	}
	if decErr != nil {
		return flow.Retryablef(flow.HOST_UNAVAILABLE, "%s: malformed response: %v", operation, decErr)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return flow.Retryablef(flow.HOST_UNAVAILABLE, "%s: malformed data: %v", operation, err)
	}
	return nil
}

// nullable decodes into a pointer so a null data answer maps to nil.
func nullable[T any](ctx context.Context, c *HostClient, operation string, req any) (*T, error) {
	var out *T
	if err := c.do(ctx, operation, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HostClient) GetEligibility(ctx context.Context, id string) (*Eligibility, error) {
	return nullable[Eligibility](ctx, c, "get-eligibility", map[string]string{"eligibilityId": id})
}

func (c *HostClient) MarkEligibilityUsed(ctx context.Context, id string, mintId string) error {
	return c.do(ctx, "mark-eligibility-used", map[string]string{"eligibilityId": id, "mintId": mintId}, nil)
}

func (c *HostClient) CountAvailable(ctx context.Context, categoryId string, tier string) (int, error) {
	var out struct {
		Available int `json:"available"`
	}
	err := c.do(ctx, "count-available", map[string]string{"categoryId": categoryId, "tier": tier}, &out)
	return out.Available, err
}

func (c *HostClient) Reserve(ctx context.Context, categoryId string, tier string, reference string) (*CatalogItem, error) {
	return nullable[CatalogItem](ctx, c, "reserve-nft", map[string]string{"categoryId": categoryId, "tier": tier, "reference": reference})
}

func (c *HostClient) UpsertMint(ctx context.Context, rec MintRecord) error {
	return c.do(ctx, "upsert-mint-record", rec, nil)
}

func (c *HostClient) UpsertForge(ctx context.Context, rec ForgeRecord) error {
	return c.do(ctx, "upsert-forge-record", rec, nil)
}

func (c *HostClient) CreateOwnership(ctx context.Context, o Ownership) error {
	return c.do(ctx, "create-ownership", o, nil)
}

func (c *HostClient) GetOwnedNFTs(ctx context.Context, stakeKey string, assetIds []string) ([]OwnedNFT, error) {
	out := make([]OwnedNFT, 0)
	err := c.do(ctx, "get-owned-nfts", map[string]any{"stakeKey": stakeKey, "assetIds": assetIds}, &out)
	return out, err
}

func (c *HostClient) FlagReconciliation(ctx context.Context, reference string, reason string) error {
	return c.do(ctx, "flag-reconciliation", map[string]string{"reference": reference, "reason": reason}, nil)
}

func (c *HostClient) FindSubmission(ctx context.Context, reference string) (*Submission, error) {
	return nullable[Submission](ctx, c, "find-submission", map[string]string{"reference": reference})
}

func (c *HostClient) SubmitMint(ctx context.Context, tx MintTx) (*Submission, error) {
	return nullable[Submission](ctx, c, "submit-mint", tx)
}

func (c *HostClient) SubmitBurn(ctx context.Context, tx BurnTx) (*Submission, error) {
	return nullable[Submission](ctx, c, "submit-burn", tx)
}

func (c *HostClient) GetConfirmation(ctx context.Context, txHash string) (*Confirmation, error) {
	out, err := nullable[Confirmation](ctx, c, "get-confirmation", map[string]string{"txHash": txHash})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return &Confirmation{TxHash: txHash, Status: TX_STATUS_PENDING}, nil
	}
	return out, nil
}

func (c *HostClient) PublishMint(ctx context.Context, res MintResult) error {
	return c.do(ctx, "publish-mint", res, nil)
}

func (c *HostClient) PublishForge(ctx context.Context, res ForgeResult) error {
	return c.do(ctx, "publish-forge", res, nil)
}
