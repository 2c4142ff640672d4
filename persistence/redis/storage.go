package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

const RUN_KEY = "RUN"
const IDEMPOTENCY_KEY = "IDEMP"
const KEY_HISTORY_KEY = "KEYS"
const STEPS_KEY = "STEPS"
const STEP_STATUS_KEY = "STEP_STATUS"
const SUCCEEDED_KEY = "SUCCEEDED"
const TIMER_KEY = "TIMER"
const TIMERS_KEY = "TIMERS"
const ACTIVE_KEY = "ACTIVE"
const TERMINAL_KEY = "TERMINAL"

const CONSUMED_TIMER_RETENTION = 24 * time.Hour

type redisStorage struct {
	*baseDao
	stepEncDec util.EncoderDecoder[model.StepRecord]
}

var _ persistence.Storage = new(redisStorage)

func NewRedisStorage(conf Config) *redisStorage {
	return &redisStorage{
		baseDao:    newBaseDao(conf),
		stepEncDec: util.NewJsonEncoderDecoder[model.StepRecord](),
	}
}

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func fromMicros(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(v).UTC(), nil
}

func (r *redisStorage) runKey(runId string) string {
	return r.getNamespaceKey(RUN_KEY, runId)
}

func (r *redisStorage) idempotencyKey(definitionName string, key string) string {
	return r.getNamespaceKey(IDEMPOTENCY_KEY, definitionName+"|"+key)
}

func (r *redisStorage) keyHistory(definitionName string, key string) string {
	return r.getNamespaceKey(KEY_HISTORY_KEY, definitionName+"|"+key)
}

// mapScriptError turns the error replies of the scripts into the storage sentinels.
func mapScriptError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, ERR_NOT_FOUND):
		return persistence.ErrRunNotFound
	case strings.HasPrefix(msg, ERR_NOT_CLAIMABLE):
		return persistence.ErrRunNotClaimable
	case strings.HasPrefix(msg, ERR_LEASE_LOST):
		return persistence.ErrLeaseLost
	case strings.HasPrefix(msg, ERR_ALREADY_SUCCEEDED):
		return persistence.ErrStepAlreadySucceeded
	case strings.HasPrefix(msg, ERR_ATTEMPT_CLOSED):
		return persistence.StorageLayerError{Message: "step attempt already closed"}
	}
	return persistence.StorageLayerError{Message: msg}
}

func decodeRun(fields map[string]string) (*model.WorkflowRun, error) {
	currentStep, err := strconv.Atoi(fields["currentStep"])
	if err != nil {
		return nil, fmt.Errorf("run %s: current step: %w", fields["id"], err)
	}
	run := &model.WorkflowRun{
		Id:             fields["id"],
		DefinitionName: fields["definitionName"],
		IdempotencyKey: fields["idempotencyKey"],
		Input:          json.RawMessage(fields["input"]),
		CurrentStep:    currentStep,
		Status:         model.RunStatus(fields["status"]),
		Lease:          fields["lease"],
		Archived:       fields["archived"] == "1",
	}
	if run.CreatedAt, err = fromMicros(fields["createdAt"]); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = fromMicros(fields["updatedAt"]); err != nil {
		return nil, err
	}
	if f := fields["finishedAt"]; f != "" {
		finishedAt, err := fromMicros(f)
		if err != nil {
			return nil, err
		}
		run.FinishedAt = &finishedAt
	}
	if e := fields["error"]; e != "" {
		run.Error = &model.RunError{}
		if err := json.Unmarshal([]byte(e), run.Error); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// pairs converts a flat HGETALL reply returned by a script into a map.
func pairs(reply []interface{}) map[string]string {
	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	return fields
}

func runErrorField(run *model.WorkflowRun) (string, error) {
	if run.Error == nil {
		return "", nil
	}
	data, err := json.Marshal(run.Error)
	return string(data), err
}

func finishedAtField(run *model.WorkflowRun) string {
	if run.FinishedAt == nil {
		return ""
	}
	return micros(*run.FinishedAt)
}

func (r *redisStorage) CreateRunIfAbsent(ctx context.Context, run *model.WorkflowRun) (*model.WorkflowRun, bool, error) {
	keys := []string{
		r.idempotencyKey(run.DefinitionName, run.IdempotencyKey),
		r.runKey(run.Id),
		r.keyHistory(run.DefinitionName, run.IdempotencyKey),
		r.getNamespaceKey(ACTIVE_KEY),
	}
	res, err := createRunScript.Run(ctx, r.redisClient, keys,
		run.Id, run.DefinitionName, run.IdempotencyKey, string(run.Input), run.CurrentStep, string(run.Status),
		micros(run.CreatedAt), micros(run.UpdatedAt)).Slice()
	if err != nil {
		logger.Error("error while creating run", zap.String("RunId", run.Id), zap.Error(err))
		return nil, false, persistence.StorageLayerError{Message: err.Error()}
	}
	created, _ := res[0].(int64)
	if created == 1 {
		stored := run.Clone()
		stored.Lease = ""
		return stored, true, nil
	}
	existingId, _ := res[1].(string)
	existing, err := r.GetRun(ctx, existingId)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *redisStorage) GetRun(ctx context.Context, runId string) (*model.WorkflowRun, error) {
	fields, err := r.redisClient.HGetAll(ctx, r.runKey(runId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(fields) == 0 {
		return nil, persistence.ErrRunNotFound
	}
	run, err := decodeRun(fields)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return run, nil
}

func (r *redisStorage) GetRunByKey(ctx context.Context, definitionName string, key string) (*model.WorkflowRun, error) {
	runId, err := r.redisClient.Get(ctx, r.idempotencyKey(definitionName, key)).Result()
	if err == nil {
		return r.GetRun(ctx, runId)
	}
	if !errors.Is(err, rd.Nil) {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	ids, err := r.redisClient.LRange(ctx, r.keyHistory(definitionName, key), -1, -1).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(ids) == 0 {
		return nil, persistence.ErrRunNotFound
	}
	return r.GetRun(ctx, ids[0])
}

func (r *redisStorage) GetStepRecords(ctx context.Context, runId string) ([]model.StepRecord, error) {
	values, err := r.redisClient.HVals(ctx, r.getNamespaceKey(STEPS_KEY, runId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	records := make([]model.StepRecord, 0, len(values))
	for _, v := range values {
		rec, err := r.stepEncDec.Decode([]byte(v))
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StepIndex != records[j].StepIndex {
			return records[i].StepIndex < records[j].StepIndex
		}
		return records[i].Attempt < records[j].Attempt
	})
	return records, nil
}

func (r *redisStorage) ClaimRun(ctx context.Context, runId string, lease string, now time.Time, staleBefore time.Time) (*model.WorkflowRun, error) {
	keys := []string{r.runKey(runId), r.getNamespaceKey(ACTIVE_KEY)}
	reply, err := claimRunScript.Run(ctx, r.redisClient, keys, lease, micros(now), micros(staleBefore)).Slice()
	if err != nil {
		return nil, mapScriptError(err)
	}
	run, err := decodeRun(pairs(reply))
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return run, nil
}

func (r *redisStorage) stepKeys(runId string) []string {
	return []string{
		r.runKey(runId),
		r.getNamespaceKey(STEPS_KEY, runId),
		r.getNamespaceKey(STEP_STATUS_KEY, runId),
		r.getNamespaceKey(SUCCEEDED_KEY, runId),
		r.getNamespaceKey(ACTIVE_KEY),
	}
}

func attemptField(rec *model.StepRecord) string {
	return fmt.Sprintf("%d:%d", rec.StepIndex, rec.Attempt)
}

func (r *redisStorage) StartStep(ctx context.Context, lease string, rec *model.StepRecord, now time.Time) error {
	data, err := r.stepEncDec.Encode(*rec)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	err = startStepScript.Run(ctx, r.redisClient, r.stepKeys(rec.RunId),
		lease, rec.StepIndex, attemptField(rec), string(data), micros(now)).Err()
	return mapScriptError(err)
}

func (r *redisStorage) FinishStep(ctx context.Context, lease string, rec *model.StepRecord, run *model.WorkflowRun, timer *model.SleepTimer) error {
	keys := append(r.stepKeys(run.Id), r.getNamespaceKey(TERMINAL_KEY), r.getNamespaceKey(TIMERS_KEY))
	args := []interface{}{lease}
	if rec != nil {
		data, err := r.stepEncDec.Encode(*rec)
		if err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		args = append(args, "1", rec.StepIndex, attemptField(rec), string(data), string(rec.Status), rec.Attempt)
	} else {
		args = append(args, "0", 0, "", "", "", 0)
	}
	runErr, err := runErrorField(run)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	args = append(args, run.CurrentStep, string(run.Status), runErr, micros(run.UpdatedAt), finishedAtField(run))
	if timer != nil {
		args = append(args, "1", timer.Id, r.getNamespaceKey(TIMER_KEY, timer.Id), micros(timer.WakeAt),
			timer.RunId, timer.StepIndex, string(timer.Kind), micros(timer.CreatedAt))
	} else {
		args = append(args, "0", "", "", 0, "", 0, "", 0)
	}
	return mapScriptError(finishStepScript.Run(ctx, r.redisClient, keys, args...).Err())
}

func (r *redisStorage) SaveRun(ctx context.Context, lease string, run *model.WorkflowRun) error {
	runErr, err := runErrorField(run)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	keys := []string{r.runKey(run.Id), r.getNamespaceKey(ACTIVE_KEY), r.getNamespaceKey(TERMINAL_KEY)}
	err = saveRunScript.Run(ctx, r.redisClient, keys,
		lease, run.CurrentStep, string(run.Status), runErr, micros(run.UpdatedAt), finishedAtField(run)).Err()
	return mapScriptError(err)
}

func (r *redisStorage) getTimer(ctx context.Context, timerId string) (*model.SleepTimer, error) {
	fields, err := r.redisClient.HGetAll(ctx, r.getNamespaceKey(TIMER_KEY, timerId)).Result()
	if err != nil {
		return nil, err
	}
	stepIndex, err := strconv.Atoi(fields["stepIndex"])
	if err != nil {
		return nil, err
	}
	t := &model.SleepTimer{
		Id:        fields["id"],
		RunId:     fields["runId"],
		StepIndex: stepIndex,
		Kind:      model.TimerKind(fields["kind"]),
		Consumed:  fields["consumed"] == "1",
	}
	if t.WakeAt, err = fromMicros(fields["wakeAt"]); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = fromMicros(fields["createdAt"]); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *redisStorage) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]model.SleepTimer, error) {
	keys := []string{r.getNamespaceKey(TIMERS_KEY), r.getNamespaceKey(ACTIVE_KEY)}
	ids, err := claimDueTimersScript.Run(ctx, r.redisClient, keys,
		micros(now), limit, r.prefix(), CONSUMED_TIMER_RETENTION.Milliseconds()).StringSlice()
	if err != nil {
		logger.Error("error while claiming due timers", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	fired := make([]model.SleepTimer, 0, len(ids))
	for _, id := range ids {
		t, err := r.getTimer(ctx, id)
		if err != nil {
			// the timer is consumed already; recovery picks the run up if this read is lost
			logger.Error("error while reading fired timer", zap.String("timer", id), zap.Error(err))
			continue
		}
		fired = append(fired, *t)
	}
	return fired, nil
}

func (r *redisStorage) ListStaleRuns(ctx context.Context, staleBefore time.Time, limit int) ([]*model.WorkflowRun, error) {
	opt := &rd.ZRangeBy{
		Min: "-inf",
		Max: "(" + micros(staleBefore),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.redisClient.ZRangeByScore(ctx, r.getNamespaceKey(ACTIVE_KEY), opt).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	stale := make([]*model.WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := r.GetRun(ctx, id)
		if errors.Is(err, persistence.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if (run.Status == model.PENDING || run.Status == model.RUNNING) && run.UpdatedAt.Before(staleBefore) {
			stale = append(stale, run)
		}
	}
	return stale, nil
}

func (r *redisStorage) ArchiveRuns(ctx context.Context, finishedBefore time.Time, limit int) (int, error) {
	n, err := archiveRunsScript.Run(ctx, r.redisClient, []string{r.getNamespaceKey(TERMINAL_KEY)},
		micros(finishedBefore), limit, r.prefix()).Int()
	if err != nil {
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return n, nil
}

func (r *redisStorage) Ping(ctx context.Context) error {
	if err := r.redisClient.Ping(ctx).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisStorage) Close() error {
	return r.redisClient.Close()
}
