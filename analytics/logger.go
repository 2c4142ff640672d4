package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	enccoderConfig := zap.NewProductionEncoderConfig()
	enccoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	enccoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(enccoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func stepFields(ev StepEvent) []zap.Field {
	return []zap.Field{
		zap.String("name", ev.Workflow),
		zap.String("id", ev.RunId),
		zap.String("step", ev.Step),
		zap.Int("stepIndex", ev.StepIndex),
		zap.Int("attempt", ev.Attempt),
		zap.Duration("duration", ev.Duration),
	}
}

func (lc *LogFileDataCollector) RecordStepSuccess(ev StepEvent) {
	lc.logger.Info("step success", stepFields(ev)...)
}

func (lc *LogFileDataCollector) RecordStepFailure(ev StepEvent, code string, retryable bool) {
	lc.logger.Info("step failure", append(stepFields(ev), zap.String("code", code), zap.Bool("retryable", retryable))...)
}

func (lc *LogFileDataCollector) RecordRunCompleted(wfName string, runId string) {
	lc.logger.Info("run completed", zap.String("name", wfName), zap.String("id", runId))
}

func (lc *LogFileDataCollector) RecordRunFailed(wfName string, runId string, code string) {
	lc.logger.Info("run failed", zap.String("name", wfName), zap.String("id", runId), zap.String("code", code))
}

func (lc *LogFileDataCollector) Close() error {
	return lc.logger.Sync()
}
