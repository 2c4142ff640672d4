package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/stretchr/testify/require"
)

func TestDecodeRun(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)
	reply := []interface{}{
		"id", "run-1",
		"definitionName", "mint",
		"idempotencyKey", "elig-123",
		"input", `{"eligibilityId":"elig-123"}`,
		"currentStep", "4",
		"status", "failed",
		"lease", "",
		"error", `{"code":"TX_FAILED","message":"rejected","step":"check-confirmation"}`,
		"archived", "1",
		"createdAt", micros(at),
		"updatedAt", micros(at.Add(time.Second)),
		"finishedAt", micros(at.Add(2 * time.Second)),
	}
	run, err := decodeRun(pairs(reply))
	require.NoError(t, err)
	require.Equal(t, "run-1", run.Id)
	require.Equal(t, 4, run.CurrentStep)
	require.Equal(t, model.FAILED, run.Status)
	require.True(t, run.Archived)
	require.Equal(t, "TX_FAILED", run.Error.Code)
	require.Equal(t, "check-confirmation", run.Error.Step)
	require.True(t, at.Equal(run.CreatedAt))
	require.True(t, at.Add(2*time.Second).Equal(*run.FinishedAt))
	require.JSONEq(t, `{"eligibilityId":"elig-123"}`, string(run.Input))

	fields := pairs(reply)
	fields["currentStep"] = "x"
	_, err = decodeRun(fields)
	require.Error(t, err)
}

func TestMapScriptError(t *testing.T) {
	tests := map[string]error{
		ERR_NOT_FOUND:         persistence.ErrRunNotFound,
		ERR_NOT_CLAIMABLE:     persistence.ErrRunNotClaimable,
		ERR_LEASE_LOST:        persistence.ErrLeaseLost,
		ERR_ALREADY_SUCCEEDED: persistence.ErrStepAlreadySucceeded,
	}
	for reply, expected := range tests {
		require.ErrorIs(t, mapScriptError(errors.New(reply)), expected)
	}
	require.True(t, persistence.IsStorageLayerError(mapScriptError(errors.New(ERR_ATTEMPT_CLOSED))))
	require.True(t, persistence.IsStorageLayerError(mapScriptError(errors.New("dial tcp: connection refused"))))
	require.NoError(t, mapScriptError(nil))
}

func TestNamespaceKeys(t *testing.T) {
	s := NewRedisStorage(Config{Addrs: []string{"localhost:6379"}, Namespace: "nft"})
	defer s.Close()
	require.Equal(t, "{nft}:RUN:run-1", s.runKey("run-1"))
	require.Equal(t, "{nft}:IDEMP:mint|elig-123", s.idempotencyKey("mint", "elig-123"))
	require.Equal(t, "{nft}:", s.prefix())
}
