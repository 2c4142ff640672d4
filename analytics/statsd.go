package analytics

import (
	"strconv"

	"github.com/DataDog/datadog-go/v5/statsd"
)

const metricPrefix = "orchy.workflow."

type StatsdDataCollector struct {
	client statsd.ClientInterface
}

func NewStatsdDataCollector(addr string) (*StatsdDataCollector, error) {
	client, err := statsd.New(addr, statsd.WithNamespace(metricPrefix))
	if err != nil {
		return nil, err
	}
	return newStatsdDataCollector(client), nil
}

func newStatsdDataCollector(client statsd.ClientInterface) *StatsdDataCollector {
	return &StatsdDataCollector{client: client}
}

func (sc *StatsdDataCollector) RecordStepSuccess(ev StepEvent) {
	tags := []string{"workflow:" + ev.Workflow, "step:" + ev.Step}
	_ = sc.client.Incr("step.success", tags, 1)
	_ = sc.client.Timing("step.duration", ev.Duration, tags, 1)
}

func (sc *StatsdDataCollector) RecordStepFailure(ev StepEvent, code string, retryable bool) {
	tags := []string{"workflow:" + ev.Workflow, "step:" + ev.Step, "code:" + code, "retryable:" + strconv.FormatBool(retryable)}
	_ = sc.client.Incr("step.failure", tags, 1)
	_ = sc.client.Timing("step.duration", ev.Duration, tags, 1)
}

func (sc *StatsdDataCollector) RecordRunCompleted(wfName string, runId string) {
	_ = sc.client.Incr("run.completed", []string{"workflow:" + wfName}, 1)
}

func (sc *StatsdDataCollector) RecordRunFailed(wfName string, runId string, code string) {
	_ = sc.client.Incr("run.failed", []string{"workflow:" + wfName, "code:" + code}, 1)
}

func (sc *StatsdDataCollector) Close() error {
	return sc.client.Close()
}
