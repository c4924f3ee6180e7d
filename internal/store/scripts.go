package store

import "github.com/redis/go-redis/v9"

// The store keeps everything in a handful of Redis keys and leans on
// redis.NewScript (server-side Lua) wherever an operation from spec.md
// §4.A needs to read-then-write atomically — the Redis analogue of the
// original SQLite implementation's `BEGIN IMMEDIATE` transaction.
//
// Keys:
//
//	task:{id}          hash   id, task_type, payload, status, assigned_to,
//	                           claimed_at, lease_expires, attempts,
//	                           max_attempts, created_at, updated_at
//	task:{id}:result   hash   worker_id, status, result_body, computation_time, created_at
//	tasks:next_id      string INCR counter; last id handed out
//	tasks:pending      zset   score = id, member = id (id is itself a strictly
//	                           increasing creation order, so scoring by id
//	                           satisfies spec.md §4.A's "FIFO by creation
//	                           time; ties broken by id" with no possible tie)
//	tasks:inflight     zset   score = lease_expires (unix seconds), member = id
//	worker:{id}        hash   last_heartbeat, alive ("1"/"0"), metadata
//	workers:all        set    member = worker id
//	checkpoint:{id}    hash   last_checked, partial, elapsed_time, method, updated_at
//	tasks:dead         set    member = id of a task that exhausted max_attempts
var (
	// insertScript assigns the new task's id from a Redis INCR counter
	// rather than accepting one from the caller, so ids are guaranteed
	// unique and strictly increasing regardless of which dispatcher
	// process or goroutine calls Insert.
	insertScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
local key = ARGV[5] .. id
redis.call('HSET', key,
  'id', id,
  'task_type', ARGV[1],
  'payload', ARGV[2],
  'status', 'pending',
  'assigned_to', '',
  'attempts', '0',
  'max_attempts', ARGV[3],
  'created_at', ARGV[4],
  'updated_at', ARGV[4])
redis.call('ZADD', KEYS[2], id, id)
return id
`)

	// claimScript implements spec.md §4.A's Claim formula: the candidate
	// with the smallest id among tasks:pending and lease-expired entries
	// in tasks:inflight, merged and compared by id rather than draining
	// tasks:pending unconditionally first.
	claimScript = redis.NewScript(`
local function claim_one(id)
  local key = ARGV[4] .. id
  local attempts = tonumber(redis.call('HGET', key, 'attempts'))
  local max_attempts = tonumber(redis.call('HGET', key, 'max_attempts'))
  if attempts == nil or max_attempts == nil or attempts >= max_attempts then
    return nil
  end
  local lease_expires = tonumber(ARGV[3]) + tonumber(ARGV[2])
  redis.call('HSET', key,
    'status', 'in-progress',
    'assigned_to', ARGV[1],
    'claimed_at', ARGV[3],
    'lease_expires', tostring(lease_expires),
    'attempts', tostring(attempts + 1),
    'updated_at', ARGV[3])
  redis.call('ZADD', KEYS[2], lease_expires, id)
  return redis.call('HGETALL', key)
end

local function oldest_expired()
  local candidates = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
  local best_id, best_n = nil, nil
  for _, id in ipairs(candidates) do
    local n = tonumber(id)
    if best_n == nil or n < best_n then
      best_id, best_n = id, n
    end
  end
  return best_id
end

while true do
  local pending = redis.call('ZRANGE', KEYS[1], 0, 0)
  local pending_id = pending[1]
  local expired_id = oldest_expired()

  local winner, from_pending
  if pending_id and expired_id then
    if tonumber(pending_id) <= tonumber(expired_id) then
      winner, from_pending = pending_id, true
    else
      winner, from_pending = expired_id, false
    end
  elseif pending_id then
    winner, from_pending = pending_id, true
  elseif expired_id then
    winner, from_pending = expired_id, false
  else
    return nil
  end

  if from_pending then
    redis.call('ZREM', KEYS[1], winner)
  else
    redis.call('ZREM', KEYS[2], winner)
  end

  local res = claim_one(winner)
  if res then
    return res
  end
  -- winner turned out to be attempt-capped (race with a dead-letter
  -- reclaim); drop it and try the next-smallest candidate.
end
`)

	saveResultScript = redis.NewScript(`
local task_key = KEYS[1]
local result_key = KEYS[2]
local inflight_key = KEYS[3]
local current_status = redis.call('HGET', task_key, 'status')
if current_status == false then
  return redis.error_reply('task_not_found')
end
if current_status == 'completed' then
  return {0}
end
redis.call('HSET', result_key,
  'worker_id', ARGV[1],
  'status', ARGV[2],
  'result_body', ARGV[3],
  'computation_time', ARGV[4],
  'created_at', ARGV[5])
redis.call('HSET', task_key, 'status', ARGV[2], 'updated_at', ARGV[5])
redis.call('ZREM', inflight_key, ARGV[6])
return {1}
`)

	reclaimExpiredScript = redis.NewScript(`
local inflight_key = KEYS[1]
local pending_key = KEYS[2]
local dead_key = KEYS[3]
local now = ARGV[1]
local prefix = ARGV[2]
local expired = redis.call('ZRANGEBYSCORE', inflight_key, '-inf', now)
local count = 0
for _, id in ipairs(expired) do
  local key = prefix .. id
  local status = redis.call('HGET', key, 'status')
  local attempts = tonumber(redis.call('HGET', key, 'attempts'))
  local max_attempts = tonumber(redis.call('HGET', key, 'max_attempts'))
  redis.call('ZREM', inflight_key, id)
  if status == 'in-progress' then
    if attempts and max_attempts and attempts < max_attempts then
      redis.call('HSET', key, 'status', 'pending', 'assigned_to', '', 'updated_at', now)
      redis.call('ZADD', pending_key, id, id)
      count = count + 1
    else
      redis.call('HSET', key, 'assigned_to', '', 'updated_at', now)
      redis.call('SADD', dead_key, id)
    end
  end
end
return count
`)

	markDeadScript = redis.NewScript(`
local workers_key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local prefix = ARGV[3]
local ids = redis.call('SMEMBERS', workers_key)
local count = 0
for _, id in ipairs(ids) do
  local key = prefix .. id
  local last = tonumber(redis.call('HGET', key, 'last_heartbeat'))
  local alive = redis.call('HGET', key, 'alive')
  if last and (now - last) > threshold and alive == '1' then
    redis.call('HSET', key, 'alive', '0')
    count = count + 1
  end
end
return count
`)

	reclaimFromDeadScript = redis.NewScript(`
local inflight_key = KEYS[1]
local pending_key = KEYS[2]
local dead_key = KEYS[3]
local now = ARGV[1]
local task_prefix = ARGV[2]
local worker_prefix = ARGV[3]
local ids = redis.call('ZRANGE', inflight_key, 0, -1)
local count = 0
for _, id in ipairs(ids) do
  local tkey = task_prefix .. id
  local status = redis.call('HGET', tkey, 'status')
  local assigned = redis.call('HGET', tkey, 'assigned_to')
  local attempts = tonumber(redis.call('HGET', tkey, 'attempts'))
  local max_attempts = tonumber(redis.call('HGET', tkey, 'max_attempts'))
  if status == 'in-progress' and assigned and assigned ~= '' then
    local wkey = worker_prefix .. assigned
    local alive = redis.call('HGET', wkey, 'alive')
    if alive == '0' then
      redis.call('ZREM', inflight_key, id)
      if attempts and max_attempts and attempts < max_attempts then
        redis.call('HSET', tkey, 'status', 'pending', 'assigned_to', '', 'updated_at', now)
        redis.call('ZADD', pending_key, id, id)
        count = count + 1
      else
        redis.call('HSET', tkey, 'assigned_to', '', 'updated_at', now)
        redis.call('SADD', dead_key, id)
      end
    end
  end
end
return count
`)

	// retryDeadLetterScript re-queues by the task's own id rather than
	// `now`, so a manually retried task resumes its original FIFO
	// position instead of jumping to the tail of the queue.
	retryDeadLetterScript = redis.NewScript(`
local task_key = KEYS[1]
local pending_key = KEYS[2]
local dead_key = KEYS[3]
local now = ARGV[1]
local task_id = ARGV[2]
if redis.call('SISMEMBER', dead_key, task_id) == 0 then
  return 0
end
redis.call('HSET', task_key, 'status', 'pending', 'attempts', 0, 'assigned_to', '', 'updated_at', now)
redis.call('ZADD', pending_key, task_id, task_id)
redis.call('SREM', dead_key, task_id)
return 1
`)
)
