package nft

import (
	"encoding/json"
	"testing"

	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/stretchr/testify/require"
)

func TestMintedAssetId(t *testing.T) {
	run := &model.WorkflowRun{Id: "run-1", DefinitionName: MINT_WORKFLOW, Input: json.RawMessage(`{"eligibilityId":"elig-1","stakeKey":"stake1u9"}`)}
	tests := []struct {
		name    string
		outputs map[string]json.RawMessage
		want    string
		code    string
	}{
		{
			name: "chain asset id wins",
			outputs: map[string]json.RawMessage{
				STEP_RESERVE_NFT:    json.RawMessage(`{"id":"cat-science-a"}`),
				STEP_SUBMIT_MINT_TX: json.RawMessage(`{"txHash":"tx-1","assetId":"asset-1"}`),
			},
			want: "asset-1",
		},
		{
			name: "falls back to the reserved item",
			outputs: map[string]json.RawMessage{
				STEP_RESERVE_NFT:    json.RawMessage(`{"id":"cat-science-a"}`),
				STEP_SUBMIT_MINT_TX: json.RawMessage(`{"txHash":"tx-1"}`),
			},
			want: "cat-science-a",
		},
		{
			name:    "nothing recorded",
			outputs: map[string]json.RawMessage{},
			code:    flow.INVALID_INPUT,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := flow.NewStepContext(run, STEP_CREATE_OWNERSHIP_RECORD, 9, 1, tt.outputs)
			got, err := mintedAssetId(sc)
			if tt.code != "" {
				require.Error(t, err)
				require.Equal(t, tt.code, flow.Classify(err).Code)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
