package analytics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/stretchr/testify/require"
)

func TestLogFileDataCollector(t *testing.T) {
	file := filepath.Join(t.TempDir(), "analytics.log")
	require.NoError(t, InitDataCollector(DataCollectorConfig{CollectorType: LOG_FILE_DATA_COLLECTOR, FileName: file}))
	defer SetDataCollector(noopCollector{})

	RecordStepSuccess(StepEvent{Workflow: "mint", RunId: "r1", Step: "reserve-nft", StepIndex: 2, Attempt: 3, Duration: time.Second})
	RecordStepFailure(StepEvent{Workflow: "mint", RunId: "r1", Step: "reserve-nft", StepIndex: 2, Attempt: 1}, "NODE_UNAVAILABLE", true)
	RecordRunFailed("mint", "r1", "INSUFFICIENT_STOCK")
	require.NoError(t, Close())

	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()
	lines := make([]map[string]any, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 3)
	require.Equal(t, "step success", lines[0]["msg"])
	require.Equal(t, "reserve-nft", lines[0]["step"])
	require.Equal(t, "NODE_UNAVAILABLE", lines[1]["code"])
	require.Equal(t, true, lines[1]["retryable"])
	require.Equal(t, "run failed", lines[2]["msg"])
}

func TestDefaultCollectorIsNoop(t *testing.T) {
	require.NoError(t, InitDataCollector(DataCollectorConfig{}))
	RecordRunCompleted("mint", "r1")
	require.NoError(t, Close())
}

func TestStatsdCollector(t *testing.T) {
	c := newStatsdDataCollector(&statsd.NoOpClient{})
	c.RecordStepSuccess(StepEvent{Workflow: "forge", Step: "submit-burn-tx", Duration: time.Millisecond})
	c.RecordStepFailure(StepEvent{Workflow: "forge", Step: "submit-burn-tx"}, "TX_FAILED", false)
	c.RecordRunCompleted("forge", "r2")
	require.NoError(t, c.Close())
}
