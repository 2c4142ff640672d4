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

const FORGE_WORKFLOW = "forge"

const STEP_VALIDATE_OWNERSHIP = "validate-ownership"
const STEP_VALIDATE_REQUIREMENTS = "validate-requirements"
const STEP_CREATE_FORGE_RECORD = "create-forge-record"
const STEP_SUBMIT_BURN_TX = "submit-burn-tx"
const STEP_WAIT_FOR_BURN = "wait-for-burn"
const STEP_CHECK_BURN_CONFIRMATION = "check-burn-confirmation"
const STEP_SUBMIT_FORGE_MINT_TX = "submit-forge-mint-tx"
const STEP_WAIT_FOR_MINT = "wait-for-mint"
const STEP_CHECK_MINT_CONFIRMATION = "check-mint-confirmation"
const STEP_UPDATE_FORGE_RECORDS = "update-forge-records"

const FORGE_PENDING = "pending"
const FORGE_COMPLETED = "completed"
const FORGE_FAILED = "failed"

type forgeSteps struct {
	host Host
	conf Config
}

// NewForgeDefinition builds the burn-then-mint forge workflow. Nothing is
// burned before ownership and requirements of all inputs are validated.
func NewForgeDefinition(host Host, conf Config) *flow.Definition {
	f := &forgeSteps{host: host, conf: conf.withDefaults()}
	return flow.NewDefinition(FORGE_WORKFLOW).
		Run(STEP_VALIDATE_OWNERSHIP, f.validateOwnership).
		Run(STEP_VALIDATE_REQUIREMENTS, f.validateRequirements).
		Run(STEP_CREATE_FORGE_RECORD, f.createForgeRecord).
		Run(STEP_SUBMIT_BURN_TX, f.submitBurnTx).
		Sleep(STEP_WAIT_FOR_BURN, f.conf.ConfirmationWait).
		Run(STEP_CHECK_BURN_CONFIRMATION, f.checkBurnConfirmation, flow.WithRetry(f.conf.ConfirmationRetry)).
		Run(STEP_SUBMIT_FORGE_MINT_TX, f.submitForgeMintTx).
		Sleep(STEP_WAIT_FOR_MINT, f.conf.ConfirmationWait).
		Run(STEP_CHECK_MINT_CONFIRMATION, f.checkMintConfirmation, flow.WithRetry(f.conf.ConfirmationRetry)).
		Run(STEP_UPDATE_FORGE_RECORDS, f.updateForgeRecords).
		OnComplete(f.publish).
		OnFailure(f.markFailed)
}

func forgeInput(sc *flow.StepContext) (*ForgeInput, error) {
	var in ForgeInput
	if err := sc.DecodeInput(&in); err != nil {
		return nil, err
	}
	if in.ForgeId == "" || in.StakeKey == "" {
		return nil, flow.Terminalf(flow.INVALID_INPUT, "forgeId and stakeKey are required")
	}
	if len(in.InputAssetIds) == 0 {
		return nil, flow.Terminalf(flow.INVALID_INPUT, "inputAssetIds is empty")
	}
	return &in, nil
}

func (f *forgeSteps) validateOwnership(ctx context.Context, sc *flow.StepContext) (any, error) {
	in, err := forgeInput(sc)
	if err != nil {
		return nil, err
	}
	owned, err := f.host.Records.GetOwnedNFTs(ctx, in.StakeKey, in.InputAssetIds)
	if err != nil {
		return nil, err
	}
	return CheckOwnership(in.StakeKey, in.InputAssetIds, owned)
}

func (f *forgeSteps) validateRequirements(ctx context.Context, sc *flow.StepContext) (any, error) {
	in, err := forgeInput(sc)
	if err != nil {
		return nil, err
	}
	owned, err := output[[]OwnedNFT](sc, STEP_VALIDATE_OWNERSHIP)
	if err != nil {
		return nil, err
	}
	return CheckRequirements(*in, *owned)
}

func (f *forgeSteps) forgeRecord(sc *flow.StepContext, status string) (*ForgeRecord, error) {
	in, err := forgeInput(sc)
	if err != nil {
		return nil, err
	}
	return &ForgeRecord{
		Id:         in.ForgeId,
		RunId:      sc.RunId,
		StakeKey:   in.StakeKey,
		ForgeType:  in.ForgeType,
		CategoryId: in.CategoryId,
		SeasonId:   in.SeasonId,
		InputIds:   in.InputAssetIds,
		Status:     status,
	}, nil
}

func (f *forgeSteps) createForgeRecord(ctx context.Context, sc *flow.StepContext) (any, error) {
	rec, err := f.forgeRecord(sc, FORGE_PENDING)
	if err != nil {
		return nil, err
	}
	if err := f.host.Records.UpsertForge(ctx, *rec); err != nil {
		return nil, err
	}
	return map[string]string{"forgeId": rec.Id}, nil
}

func (f *forgeSteps) submitBurnTx(ctx context.Context, sc *flow.StepContext) (any, error) {
	in, err := forgeInput(sc)
	if err != nil {
		return nil, err
	}
	plan, err := output[ForgePlan](sc, STEP_VALIDATE_REQUIREMENTS)
	if err != nil {
		return nil, err
	}
	reference := sc.Reference(STEP_SUBMIT_BURN_TX)
	return submitOnce(ctx, f.host.Chain, reference, func() (*Submission, error) {
		return f.host.Chain.SubmitBurn(ctx, BurnTx{Reference: reference, StakeKey: in.StakeKey, AssetIds: plan.AssetIds()})
	})
}

func (f *forgeSteps) checkBurnConfirmation(ctx context.Context, sc *flow.StepContext) (any, error) {
	sub, err := output[Submission](sc, STEP_SUBMIT_BURN_TX)
	if err != nil {
		return nil, err
	}
	return confirm(ctx, f.host.Chain, sc, sub.TxHash, f.conf.ConfirmationRetry.MaxAttempts)
}

func (f *forgeSteps) submitForgeMintTx(ctx context.Context, sc *flow.StepContext) (any, error) {
	in, err := forgeInput(sc)
	if err != nil {
		return nil, err
	}
	plan, err := output[ForgePlan](sc, STEP_VALIDATE_REQUIREMENTS)
	if err != nil {
		return nil, err
	}
	reference := sc.Reference(STEP_SUBMIT_FORGE_MINT_TX)
	return submitOnce(ctx, f.host.Chain, reference, func() (*Submission, error) {
		return f.host.Chain.SubmitMint(ctx, MintTx{
			Reference:  reference,
			StakeKey:   in.StakeKey,
			Tier:       plan.TargetTier,
			CategoryId: plan.CategoryId,
			SeasonId:   plan.SeasonId,
		})
	})
}

func (f *forgeSteps) checkMintConfirmation(ctx context.Context, sc *flow.StepContext) (any, error) {
	sub, err := output[Submission](sc, STEP_SUBMIT_FORGE_MINT_TX)
	if err != nil {
		return nil, err
	}
	return confirm(ctx, f.host.Chain, sc, sub.TxHash, f.conf.ConfirmationRetry.MaxAttempts)
}

func (f *forgeSteps) updateForgeRecords(ctx context.Context, sc *flow.StepContext) (any, error) {
	rec, err := f.forgeRecord(sc, FORGE_COMPLETED)
	if err != nil {
		return nil, err
	}
	plan, err := output[ForgePlan](sc, STEP_VALIDATE_REQUIREMENTS)
	if err != nil {
		return nil, err
	}
	burn, err := output[Submission](sc, STEP_SUBMIT_BURN_TX)
	if err != nil {
		return nil, err
	}
	mint, err := output[Submission](sc, STEP_SUBMIT_FORGE_MINT_TX)
	if err != nil {
		return nil, err
	}
	rec.BurnTxHash = burn.TxHash
	rec.MintTxHash = mint.TxHash
	if err := f.host.Records.UpsertForge(ctx, *rec); err != nil {
		return nil, err
	}
	o := Ownership{
		AssetId:    mint.AssetId,
		StakeKey:   rec.StakeKey,
		CategoryId: plan.CategoryId,
		SeasonId:   plan.SeasonId,
		Tier:       plan.TargetTier,
		Source:     FORGE_WORKFLOW,
		SourceId:   rec.Id,
		TxHash:     mint.TxHash,
	}
	if err := f.host.Records.CreateOwnership(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (f *forgeSteps) publish(ctx context.Context, sc *flow.StepContext) error {
	in, err := forgeInput(sc)
	if err != nil {
		return err
	}
	plan, err := output[ForgePlan](sc, STEP_VALIDATE_REQUIREMENTS)
	if err != nil {
		return err
	}
	burn, err := output[Submission](sc, STEP_SUBMIT_BURN_TX)
	if err != nil {
		return err
	}
	mint, err := output[Submission](sc, STEP_SUBMIT_FORGE_MINT_TX)
	if err != nil {
		return err
	}
	return f.host.Results.PublishForge(ctx, ForgeResult{
		RunId:      sc.RunId,
		ForgeId:    in.ForgeId,
		StakeKey:   in.StakeKey,
		ForgeType:  plan.ForgeType,
		Burned:     plan.AssetIds(),
		AssetId:    mint.AssetId,
		Tier:       plan.TargetTier,
		BurnTxHash: burn.TxHash,
		MintTxHash: mint.TxHash,
	})
}

func (f *forgeSteps) markFailed(ctx context.Context, sc *flow.StepContext, runErr model.RunError) error {
	reason := fmt.Sprintf("%s at %s: %s", runErr.Code, runErr.Step, runErr.Message)
	var errs []error
	if sc.HasOutput(STEP_CREATE_FORGE_RECORD) {
		if rec, err := f.forgeRecord(sc, FORGE_FAILED); err == nil {
			rec.Reason = reason
			if burn, err := output[Submission](sc, STEP_SUBMIT_BURN_TX); err == nil {
				rec.BurnTxHash = burn.TxHash
			}
			errs = append(errs, f.host.Records.UpsertForge(ctx, *rec))
		}
	}
	if sc.HasOutput(STEP_SUBMIT_BURN_TX) {
		logger.Warn("forge failed after burn submission, flagging for reconciliation", zap.String("RunId", sc.RunId), zap.String("code", runErr.Code))
		errs = append(errs, f.host.Records.FlagReconciliation(ctx, sc.Reference(STEP_SUBMIT_BURN_TX), reason))
	}
	return errors.Join(errs...)
}
