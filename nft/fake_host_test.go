package nft

import (
	"context"
	"fmt"
	"sync"

	"github.com/TriviaNFT/triviaNFT-sub002/flow"
)

// fakeHost is an in-memory host application with scriptable failures.
type fakeHost struct {
	mu sync.Mutex

	eligibilities map[string]*Eligibility
	stock         map[string][]CatalogItem
	reservations  map[string]CatalogItem
	owned         map[string]OwnedNFT
	mints         map[string]MintRecord
	forges        map[string]ForgeRecord
	ownerships    []Ownership
	reconcile     map[string]string
	submissions   map[string]*Submission
	confirmations map[string][]TxStatus
	mintResults   []MintResult
	forgeResults  []ForgeResult

	// failures[operation] errors returned before the operation succeeds
	failures map[string][]error
	calls    map[string]int
	// lostAck submits the tx but reports a timeout on the first call
	lostAck bool
	// unseen answers the first confirmation reads with no confirmation at all
	unseen int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		eligibilities: map[string]*Eligibility{},
		stock:         map[string][]CatalogItem{},
		reservations:  map[string]CatalogItem{},
		owned:         map[string]OwnedNFT{},
		mints:         map[string]MintRecord{},
		forges:        map[string]ForgeRecord{},
		reconcile:     map[string]string{},
		submissions:   map[string]*Submission{},
		confirmations: map[string][]TxStatus{},
		failures:      map[string][]error{},
		calls:         map[string]int{},
	}
}

func (h *fakeHost) host() Host {
	return Host{Eligibilities: h, Catalog: h, Records: h, Chain: h, Results: h}
}

func (h *fakeHost) failNext(operation string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[operation] = append(h.failures[operation], errs...)
}

func (h *fakeHost) callCount(operation string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[operation]
}

// enter must be called with mu held.
func (h *fakeHost) enter(operation string) error {
	h.calls[operation]++
	if pending := h.failures[operation]; len(pending) > 0 {
		h.failures[operation] = pending[1:]
		return pending[0]
	}
	return nil
}

func (h *fakeHost) GetEligibility(ctx context.Context, id string) (*Eligibility, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("get-eligibility"); err != nil {
		return nil, err
	}
	e, ok := h.eligibilities[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (h *fakeHost) MarkEligibilityUsed(ctx context.Context, id string, mintId string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("mark-eligibility-used"); err != nil {
		return err
	}
	if e, ok := h.eligibilities[id]; ok {
		e.Status = ELIGIBILITY_USED
	}
	return nil
}

func (h *fakeHost) CountAvailable(ctx context.Context, categoryId string, tier string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("count-available"); err != nil {
		return 0, err
	}
	return len(h.stock[categoryId+"/"+tier]), nil
}

func (h *fakeHost) Reserve(ctx context.Context, categoryId string, tier string, reference string) (*CatalogItem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("reserve-nft"); err != nil {
		return nil, err
	}
	if item, ok := h.reservations[reference]; ok {
		return &item, nil
	}
	k := categoryId + "/" + tier
	if len(h.stock[k]) == 0 {
		return nil, nil
	}
	item := h.stock[k][0]
	h.stock[k] = h.stock[k][1:]
	h.reservations[reference] = item
	return &item, nil
}

func (h *fakeHost) UpsertMint(ctx context.Context, rec MintRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("upsert-mint-record"); err != nil {
		return err
	}
	h.mints[rec.Id] = rec
	return nil
}

func (h *fakeHost) UpsertForge(ctx context.Context, rec ForgeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("upsert-forge-record"); err != nil {
		return err
	}
	h.forges[rec.Id] = rec
	return nil
}

func (h *fakeHost) CreateOwnership(ctx context.Context, o Ownership) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("create-ownership"); err != nil {
		return err
	}
	for _, existing := range h.ownerships {
		if existing.AssetId == o.AssetId {
			return nil
		}
	}
	h.ownerships = append(h.ownerships, o)
	return nil
}

func (h *fakeHost) GetOwnedNFTs(ctx context.Context, stakeKey string, assetIds []string) ([]OwnedNFT, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("get-owned-nfts"); err != nil {
		return nil, err
	}
	out := make([]OwnedNFT, 0)
	for _, id := range assetIds {
		if o, ok := h.owned[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (h *fakeHost) FlagReconciliation(ctx context.Context, reference string, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("flag-reconciliation"); err != nil {
		return err
	}
	h.reconcile[reference] = reason
	return nil
}

func (h *fakeHost) FindSubmission(ctx context.Context, reference string) (*Submission, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("find-submission"); err != nil {
		return nil, err
	}
	return h.submissions[reference], nil
}

func (h *fakeHost) submit(operation string, reference string, assetId string) (*Submission, error) {
	if err := h.enter(operation); err != nil {
		return nil, err
	}
	sub := &Submission{Reference: reference, TxHash: fmt.Sprintf("tx-%d", len(h.submissions)+1), AssetId: assetId}
	h.submissions[reference] = sub
	if h.lostAck {
		h.lostAck = false
		return nil, flow.Retryablef(flow.NODE_UNAVAILABLE, "node timed out after accepting %s", reference)
	}
	return sub, nil
}

func (h *fakeHost) SubmitMint(ctx context.Context, tx MintTx) (*Submission, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submit("submit-mint", tx.Reference, "asset-"+tx.Reference)
}

func (h *fakeHost) SubmitBurn(ctx context.Context, tx BurnTx) (*Submission, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range tx.AssetIds {
		o := h.owned[id]
		o.Status = "burned"
		h.owned[id] = o
	}
	return h.submit("submit-burn", tx.Reference, "")
}

// GetConfirmation replays the scripted statuses for a tx, then stays confirmed.
func (h *fakeHost) GetConfirmation(ctx context.Context, txHash string) (*Confirmation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("get-confirmation"); err != nil {
		return nil, err
	}
	if h.unseen > 0 {
		h.unseen--
		return nil, nil
	}
	script := h.confirmations[txHash]
	if len(script) == 0 {
		return &Confirmation{TxHash: txHash, Status: TX_STATUS_CONFIRMED, Confirmations: 3}, nil
	}
	st := script[0]
	if len(script) > 1 {
		h.confirmations[txHash] = script[1:]
	}
	return &Confirmation{TxHash: txHash, Status: st, Reason: "script"}, nil
}

func (h *fakeHost) PublishMint(ctx context.Context, res MintResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("publish-mint"); err != nil {
		return err
	}
	h.mintResults = append(h.mintResults, res)
	return nil
}

func (h *fakeHost) PublishForge(ctx context.Context, res ForgeResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("publish-forge"); err != nil {
		return err
	}
	h.forgeResults = append(h.forgeResults, res)
	return nil
}
