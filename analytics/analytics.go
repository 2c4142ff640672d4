package analytics

import (
	"sync"
	"time"
)

type DataCollectorConfig struct {
	FileName      string
	StatsdAddr    string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const STATSD_DATA_COLLECTOR DataCollectorType = "STATSD_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP_DATA_COLLECTOR"

type StepEvent struct {
	Workflow  string
	RunId     string
	Step      string
	StepIndex int
	Attempt   int
	Duration  time.Duration
}

type WorkflowDataCollector interface {
	RecordStepSuccess(ev StepEvent)
	RecordStepFailure(ev StepEvent, code string, retryable bool)
	RecordRunCompleted(wfName string, runId string)
	RecordRunFailed(wfName string, runId string, code string)
	Close() error
}

var (
	mu                sync.RWMutex
	workflowCollector WorkflowDataCollector = noopCollector{}
)

func InitDataCollector(config DataCollectorConfig) error {
	var c WorkflowDataCollector
	var err error
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		c, err = NewLogFileDataCollector(config.FileName)
	case STATSD_DATA_COLLECTOR:
		c, err = NewStatsdDataCollector(config.StatsdAddr)
	default:
		c = noopCollector{}
	}
	if err != nil {
		return err
	}
	SetDataCollector(c)
	return nil
}

func SetDataCollector(c WorkflowDataCollector) {
	mu.Lock()
	defer mu.Unlock()
	workflowCollector = c
}

func collector() WorkflowDataCollector {
	mu.RLock()
	defer mu.RUnlock()
	return workflowCollector
}

func RecordStepSuccess(ev StepEvent) {
	collector().RecordStepSuccess(ev)
}

func RecordStepFailure(ev StepEvent, code string, retryable bool) {
	collector().RecordStepFailure(ev, code, retryable)
}

func RecordRunCompleted(wfName string, runId string) {
	collector().RecordRunCompleted(wfName, runId)
}

func RecordRunFailed(wfName string, runId string, code string) {
	collector().RecordRunFailed(wfName, runId, code)
}

func Close() error {
	return collector().Close()
}

type noopCollector struct{}

func (noopCollector) RecordStepSuccess(StepEvent)               {}
func (noopCollector) RecordStepFailure(StepEvent, string, bool) {}
func (noopCollector) RecordRunCompleted(string, string)         {}
func (noopCollector) RecordRunFailed(string, string, string)    {}
func (noopCollector) Close() error                              { return nil }
