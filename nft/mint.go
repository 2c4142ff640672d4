package nft

import (
	"context"
	"errors"
	"fmt"

	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"go.uber.org/zap"
)

const MINT_WORKFLOW = "mint"

const STEP_VALIDATE_ELIGIBILITY = "validate-eligibility"
const STEP_CHECK_STOCK = "check-stock"
const STEP_RESERVE_NFT = "reserve-nft"
const STEP_CREATE_MINT_RECORD = "create-mint-record"
const STEP_SUBMIT_MINT_TX = "submit-mint-tx"
const STEP_WAIT_FOR_CONFIRMATION = "wait-for-confirmation"
const STEP_CHECK_CONFIRMATION = "check-confirmation"
const STEP_UPDATE_MINT_RECORD = "update-mint-record"
const STEP_MARK_ELIGIBILITY_USED = "mark-eligibility-used"
const STEP_CREATE_OWNERSHIP_RECORD = "create-ownership-record"

const MINT_PENDING = "pending"
const MINT_CONFIRMED = "confirmed"
const MINT_FAILED = "failed"

type MintInput struct {
	EligibilityId string `json:"eligibilityId"`
	StakeKey      string `json:"stakeKey"`
	UserId        string `json:"userId,omitempty"`
}

type mintCreated struct {
	MintId string `json:"mintId"`
}

type mintSteps struct {
	host Host
	conf Config
}

// NewMintDefinition builds the mint workflow. reserve-nft is the commit
// point: once it succeeded, a failure consumes the eligibility and flags the
// run for manual reconciliation instead of handing the eligibility back.
func NewMintDefinition(host Host, conf Config) *flow.Definition {
	m := &mintSteps{host: host, conf: conf.withDefaults()}
	return flow.NewDefinition(MINT_WORKFLOW).
		Run(STEP_VALIDATE_ELIGIBILITY, m.validateEligibility).
		Run(STEP_CHECK_STOCK, m.checkStock).
		Run(STEP_RESERVE_NFT, m.reserveNFT).
		Run(STEP_CREATE_MINT_RECORD, m.createMintRecord).
		Run(STEP_SUBMIT_MINT_TX, m.submitMintTx).
		Sleep(STEP_WAIT_FOR_CONFIRMATION, m.conf.ConfirmationWait).
		Run(STEP_CHECK_CONFIRMATION, m.checkConfirmation, flow.WithRetry(m.conf.ConfirmationRetry)).
		Run(STEP_UPDATE_MINT_RECORD, m.updateMintRecord).
		Run(STEP_MARK_ELIGIBILITY_USED, m.markEligibilityUsed).
		Run(STEP_CREATE_OWNERSHIP_RECORD, m.createOwnershipRecord).
		OnComplete(m.publish).
		OnFailure(m.reconcile)
}

func mintInput(sc *flow.StepContext) (*MintInput, error) {
	var in MintInput
	if err := sc.DecodeInput(&in); err != nil {
		return nil, err
	}
	if in.EligibilityId == "" || in.StakeKey == "" {
		return nil, flow.Terminalf(flow.INVALID_INPUT, "eligibilityId and stakeKey are required")
	}
	return &in, nil
}

func (m *mintSteps) validateEligibility(ctx context.Context, sc *flow.StepContext) (any, error) {
	in, err := mintInput(sc)
	if err != nil {
		return nil, err
	}
	e, err := m.host.Eligibilities.GetEligibility(ctx, in.EligibilityId)
	if err != nil {
		return nil, err
	}
	switch {
	case e == nil:
		return nil, flow.Terminalf(flow.ELIGIBILITY_INVALID, "eligibility %s not found", in.EligibilityId)
	case e.Status != ELIGIBILITY_ACTIVE:
		return nil, flow.Terminalf(flow.ELIGIBILITY_INVALID, "eligibility %s is %s", e.Id, e.Status)
	case e.ExpiresAt != nil && !e.ExpiresAt.After(m.conf.Now()):
		return nil, flow.Terminalf(flow.ELIGIBILITY_INVALID, "eligibility %s expired at %s", e.Id, e.ExpiresAt)
	case e.StakeKey != "" && e.StakeKey != in.StakeKey:
		return nil, flow.Terminalf(flow.ELIGIBILITY_INVALID, "eligibility %s belongs to another wallet", e.Id)
	}
	return e, nil
}

func (m *mintSteps) checkStock(ctx context.Context, sc *flow.StepContext) (any, error) {
	e, err := output[Eligibility](sc, STEP_VALIDATE_ELIGIBILITY)
	if err != nil {
		return nil, err
	}
	n, err := m.host.Catalog.CountAvailable(ctx, e.CategoryId, TIER_CATEGORY)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, flow.Terminalf(flow.INSUFFICIENT_STOCK, "no %s nft left in category %s", TIER_CATEGORY, e.CategoryId)
	}
	return map[string]int{"available": n}, nil
}

func (m *mintSteps) reserveNFT(ctx context.Context, sc *flow.StepContext) (any, error) {
	e, err := output[Eligibility](sc, STEP_VALIDATE_ELIGIBILITY)
	if err != nil {
		return nil, err
	}
	item, err := m.host.Catalog.Reserve(ctx, e.CategoryId, TIER_CATEGORY, sc.Reference(STEP_RESERVE_NFT))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, flow.Terminalf(flow.INSUFFICIENT_STOCK, "stock for category %s ran out before reservation", e.CategoryId)
	}
	return item, nil
}

func (m *mintSteps) mintRecord(sc *flow.StepContext, status string) (*MintRecord, error) {
	in, err := mintInput(sc)
	if err != nil {
		return nil, err
	}
	item, err := output[CatalogItem](sc, STEP_RESERVE_NFT)
	if err != nil {
		return nil, err
	}
	return &MintRecord{
		Id:            sc.RunId,
		RunId:         sc.RunId,
		EligibilityId: in.EligibilityId,
		CatalogId:     item.Id,
		StakeKey:      in.StakeKey,
		Status:        status,
	}, nil
}

func (m *mintSteps) createMintRecord(ctx context.Context, sc *flow.StepContext) (any, error) {
	rec, err := m.mintRecord(sc, MINT_PENDING)
	if err != nil {
		return nil, err
	}
	if err := m.host.Records.UpsertMint(ctx, *rec); err != nil {
		return nil, err
	}
	return mintCreated{MintId: rec.Id}, nil
}

func (m *mintSteps) submitMintTx(ctx context.Context, sc *flow.StepContext) (any, error) {
	in, err := mintInput(sc)
	if err != nil {
		return nil, err
	}
	item, err := output[CatalogItem](sc, STEP_RESERVE_NFT)
	if err != nil {
		return nil, err
	}
	reference := sc.Reference(STEP_SUBMIT_MINT_TX)
	return submitOnce(ctx, m.host.Chain, reference, func() (*Submission, error) {
		return m.host.Chain.SubmitMint(ctx, MintTx{
			Reference:  reference,
			StakeKey:   in.StakeKey,
			CatalogId:  item.Id,
			Tier:       item.Tier,
			CategoryId: item.CategoryId,
		})
	})
}

func (m *mintSteps) checkConfirmation(ctx context.Context, sc *flow.StepContext) (any, error) {
	sub, err := output[Submission](sc, STEP_SUBMIT_MINT_TX)
	if err != nil {
		return nil, err
	}
	return confirm(ctx, m.host.Chain, sc, sub.TxHash, m.conf.ConfirmationRetry.MaxAttempts)
}

func (m *mintSteps) updateMintRecord(ctx context.Context, sc *flow.StepContext) (any, error) {
	rec, err := m.mintRecord(sc, MINT_CONFIRMED)
	if err != nil {
		return nil, err
	}
	sub, err := output[Submission](sc, STEP_SUBMIT_MINT_TX)
	if err != nil {
		return nil, err
	}
	rec.TxHash = sub.TxHash
	return nil, m.host.Records.UpsertMint(ctx, *rec)
}

func (m *mintSteps) markEligibilityUsed(ctx context.Context, sc *flow.StepContext) (any, error) {
	in, err := mintInput(sc)
	if err != nil {
		return nil, err
	}
	return nil, m.host.Eligibilities.MarkEligibilityUsed(ctx, in.EligibilityId, sc.RunId)
}

func (m *mintSteps) createOwnershipRecord(ctx context.Context, sc *flow.StepContext) (any, error) {
	in, err := mintInput(sc)
	if err != nil {
		return nil, err
	}
	item, err := output[CatalogItem](sc, STEP_RESERVE_NFT)
	if err != nil {
		return nil, err
	}
	sub, err := output[Submission](sc, STEP_SUBMIT_MINT_TX)
	if err != nil {
		return nil, err
	}
	assetId, err := mintedAssetId(sc)
	if err != nil {
		return nil, err
	}
	o := Ownership{
		AssetId:    assetId,
		StakeKey:   in.StakeKey,
		CategoryId: item.CategoryId,
		Tier:       item.Tier,
		Source:     MINT_WORKFLOW,
		SourceId:   sc.RunId,
		TxHash:     sub.TxHash,
	}
	if err := m.host.Records.CreateOwnership(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// mintedAssetId prefers the asset id the chain assigned and falls back to
// the reserved catalog id.
func mintedAssetId(sc *flow.StepContext) (string, error) {
	paths := []string{
		"$.steps." + STEP_SUBMIT_MINT_TX + ".assetId",
		"$.steps." + STEP_RESERVE_NFT + ".id",
	}
	for _, path := range paths {
		v, err := sc.Lookup(path)
		if err != nil {
			continue
		}
		if id, ok := v.(string); ok && id != "" {
			return id, nil
		}
	}
	return "", flow.Terminalf(flow.INVALID_INPUT, "no asset id recorded for run %s", sc.RunId)
}

func (m *mintSteps) publish(ctx context.Context, sc *flow.StepContext) error {
	in, err := mintInput(sc)
	if err != nil {
		return err
	}
	item, err := output[CatalogItem](sc, STEP_RESERVE_NFT)
	if err != nil {
		return err
	}
	sub, err := output[Submission](sc, STEP_SUBMIT_MINT_TX)
	if err != nil {
		return err
	}
	return m.host.Results.PublishMint(ctx, MintResult{
		RunId:         sc.RunId,
		MintId:        sc.RunId,
		EligibilityId: in.EligibilityId,
		StakeKey:      in.StakeKey,
		Item:          *item,
		TxHash:        sub.TxHash,
	})
}

func (m *mintSteps) reconcile(ctx context.Context, sc *flow.StepContext, runErr model.RunError) error {
	if !sc.HasOutput(STEP_RESERVE_NFT) {
		return nil
	}
	reason := fmt.Sprintf("%s at %s: %s", runErr.Code, runErr.Step, runErr.Message)
	logger.Warn("mint failed after reservation, flagging for reconciliation", zap.String("RunId", sc.RunId), zap.String("code", runErr.Code))
	var errs []error
	if sc.HasOutput(STEP_CREATE_MINT_RECORD) {
		if rec, err := m.mintRecord(sc, MINT_FAILED); err == nil {
			rec.Reason = reason
			errs = append(errs, m.host.Records.UpsertMint(ctx, *rec))
		}
	}
	if !sc.HasOutput(STEP_MARK_ELIGIBILITY_USED) {
		if in, err := mintInput(sc); err == nil {
			errs = append(errs, m.host.Eligibilities.MarkEligibilityUsed(ctx, in.EligibilityId, sc.RunId))
		}
	}
	errs = append(errs, m.host.Records.FlagReconciliation(ctx, sc.Reference(STEP_RESERVE_NFT), reason))
	return errors.Join(errs...)
}
