package redis

import (
	rd "github.com/go-redis/redis/v9"
)

const ERR_NOT_FOUND = "NOT_FOUND"
const ERR_NOT_CLAIMABLE = "NOT_CLAIMABLE"
const ERR_LEASE_LOST = "LEASE_LOST"
const ERR_ALREADY_SUCCEEDED = "ALREADY_SUCCEEDED"
const ERR_ATTEMPT_CLOSED = "ATTEMPT_CLOSED"

// KEYS[1] run, ARGV[1] lease
const leaseCheck = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOT_FOUND')
end
local current = redis.call('HGET', KEYS[1], 'lease')
if ARGV[1] == '' or current ~= ARGV[1] then
	return redis.error_reply('LEASE_LOST')
end
`

const applyRun = `
local function applyRun(runKey, activeKey, terminalKey, lease, currentStep, status, err, updatedAt, finishedAt)
	local id = redis.call('HGET', runKey, 'id')
	local nextLease = ''
	if status == 'running' then
		nextLease = lease
	end
	redis.call('HSET', runKey, 'currentStep', currentStep, 'status', status, 'lease', nextLease,
		'error', err, 'updatedAt', updatedAt, 'finishedAt', finishedAt)
	if status == 'pending' or status == 'running' then
		redis.call('ZADD', activeKey, updatedAt, id)
	else
		redis.call('ZREM', activeKey, id)
	end
	if (status == 'completed' or status == 'failed') and redis.call('HGET', runKey, 'archived') ~= '1' then
		local score = finishedAt
		if score == '' then
			score = updatedAt
		end
		redis.call('ZADD', terminalKey, score, id)
	else
		redis.call('ZREM', terminalKey, id)
	end
	if status == 'failed' then
		local idemp = redis.call('HGET', runKey, 'idempKey')
		if idemp and redis.call('GET', idemp) == id then
			redis.call('DEL', idemp)
		end
	end
end
`

// KEYS: idempotency, run, key history, active
// ARGV: id, definition, key, input, current step, status, created at, updated at
var createRunScript = rd.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return {0, existing}
end
redis.call('HSET', KEYS[2], 'id', ARGV[1], 'definitionName', ARGV[2], 'idempotencyKey', ARGV[3],
	'idempKey', KEYS[1], 'input', ARGV[4], 'currentStep', ARGV[5], 'status', ARGV[6], 'lease', '',
	'error', '', 'archived', '0', 'createdAt', ARGV[7], 'updatedAt', ARGV[8], 'finishedAt', '')
redis.call('SET', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[8], ARGV[1])
return {1, ARGV[1]}
`)

// KEYS: run, active
// ARGV: lease, now, stale before
var claimRunScript = rd.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOT_FOUND')
end
local status = redis.call('HGET', KEYS[1], 'status')
local updated = tonumber(redis.call('HGET', KEYS[1], 'updatedAt'))
if status == 'pending' or (status == 'running' and updated < tonumber(ARGV[3])) then
	redis.call('HSET', KEYS[1], 'status', 'running', 'lease', ARGV[1], 'updatedAt', ARGV[2])
	redis.call('ZADD', KEYS[2], ARGV[2], redis.call('HGET', KEYS[1], 'id'))
	return redis.call('HGETALL', KEYS[1])
end
return redis.error_reply('NOT_CLAIMABLE')
`)

// KEYS: run, steps, step status, succeeded, active
// ARGV: lease, step index, attempt field, record, now
var startStepScript = rd.NewScript(leaseCheck + `
if redis.call('HEXISTS', KEYS[4], ARGV[2]) == 1 then
	return redis.error_reply('ALREADY_SUCCEEDED')
end
local st = redis.call('HGET', KEYS[3], ARGV[3])
if st and st ~= 'running' then
	return redis.error_reply('ATTEMPT_CLOSED')
end
redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
redis.call('HSET', KEYS[3], ARGV[3], 'running')
redis.call('HSET', KEYS[1], 'updatedAt', ARGV[5])
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'pending' or status == 'running' then
	redis.call('ZADD', KEYS[5], ARGV[5], redis.call('HGET', KEYS[1], 'id'))
end
return 'OK'
`)

// KEYS: run, steps, step status, succeeded, active, terminal, timers
// ARGV: lease, has record, step index, attempt field, record, record status, attempt,
// current step, status, error, updated at, finished at,
// has timer, timer id, timer key, wake at, run id, timer step index, kind, created at
var finishStepScript = rd.NewScript(leaseCheck + applyRun + `
if ARGV[2] == '1' then
	if redis.call('HEXISTS', KEYS[4], ARGV[3]) == 1 then
		return redis.error_reply('ALREADY_SUCCEEDED')
	end
	redis.call('HSET', KEYS[2], ARGV[4], ARGV[5])
	redis.call('HSET', KEYS[3], ARGV[4], ARGV[6])
	if ARGV[6] == 'succeeded' then
		redis.call('HSET', KEYS[4], ARGV[3], ARGV[7])
	end
end
applyRun(KEYS[1], KEYS[5], KEYS[6], ARGV[1], ARGV[8], ARGV[9], ARGV[10], ARGV[11], ARGV[12])
if ARGV[13] == '1' then
	redis.call('HSET', ARGV[15], 'id', ARGV[14], 'runId', ARGV[17], 'stepIndex', ARGV[18], 'kind', ARGV[19],
		'wakeAt', ARGV[16], 'createdAt', ARGV[20], 'consumed', '0')
	redis.call('ZADD', KEYS[7], ARGV[16], ARGV[14])
end
return 'OK'
`)

// KEYS: run, active, terminal
// ARGV: lease, current step, status, error, updated at, finished at
var saveRunScript = rd.NewScript(leaseCheck + applyRun + `
applyRun(KEYS[1], KEYS[2], KEYS[3], ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6])
return 'OK'
`)

// KEYS: timers, active
// ARGV: now, limit, key prefix, consumed retention ms
var claimDueTimersScript = rd.NewScript(`
local ids
if tonumber(ARGV[2]) > 0 then
	ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
else
	ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
local fired = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local timerKey = ARGV[3] .. 'TIMER:' .. id
	local runId = redis.call('HGET', timerKey, 'runId')
	if runId then
		redis.call('HSET', timerKey, 'consumed', '1')
		redis.call('PEXPIRE', timerKey, ARGV[4])
		local runKey = ARGV[3] .. 'RUN:' .. runId
		if redis.call('HGET', runKey, 'status') == 'sleeping' then
			redis.call('HSET', runKey, 'status', 'pending', 'updatedAt', ARGV[1])
			redis.call('ZADD', KEYS[2], ARGV[1], runId)
		end
		table.insert(fired, id)
	end
end
return fired
`)

// KEYS: terminal
// ARGV: finished before (exclusive), limit, key prefix
var archiveRunsScript = rd.NewScript(`
local ids
if tonumber(ARGV[2]) > 0 then
	ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, ARGV[2])
else
	ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
end
for _, id in ipairs(ids) do
	redis.call('HSET', ARGV[3] .. 'RUN:' .. id, 'archived', '1')
	redis.call('ZREM', KEYS[1], id)
end
return #ids
`)
