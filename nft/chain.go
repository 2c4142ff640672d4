package nft

import (
	"context"

	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"go.uber.org/zap"
)

func output[T any](sc *flow.StepContext, step string) (*T, error) {
	var v T
	if err := sc.Output(step, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// submitOnce looks for an earlier submission under reference before
// submitting, so a retried or re-dispatched step never submits twice.
func submitOnce(ctx context.Context, chain Chain, reference string, submit func() (*Submission, error)) (*Submission, error) {
	existing, err := chain.FindSubmission(ctx, reference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Info("reusing earlier chain submission", zap.String("reference", reference), zap.String("txHash", existing.TxHash))
		return existing, nil
	}
	sub, err := submit()
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.TxHash == "" {
		return nil, flow.Retryablef(flow.NODE_UNAVAILABLE, "chain returned no transaction for %s", reference)
	}
	return sub, nil
}

// confirm maps a confirmation to the step result. A tx the chain does not
// know yet counts as pending. Pending is retried until the last attempt,
// which reports BLOCKCHAIN_TIMEOUT instead.
func confirm(ctx context.Context, chain Chain, sc *flow.StepContext, txHash string, maxAttempts int) (*Confirmation, error) {
	c, err := chain.GetConfirmation(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = &Confirmation{TxHash: txHash, Status: TX_STATUS_PENDING}
	}
	switch c.Status {
	case TX_STATUS_CONFIRMED:
		return c, nil
	case TX_STATUS_FAILED:
		return nil, flow.Terminalf(flow.TX_FAILED, "transaction %s failed: %s", txHash, c.Reason)
	}
	if sc.Attempt >= maxAttempts {
		return nil, flow.Terminalf(flow.BLOCKCHAIN_TIMEOUT, "transaction %s not confirmed after %d checks", txHash, sc.Attempt)
	}
	return nil, flow.Retryablef(flow.TX_PENDING, "transaction %s pending with %d confirmations", txHash, c.Confirmations)
}
