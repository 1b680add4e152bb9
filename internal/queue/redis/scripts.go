package redis

import goredis "github.com/redis/go-redis/v9"

// Key layout under the configured prefix:
//
//	<p>:ready         ZSET task id -> visible-at (unix ms)
//	<p>:claimed       ZSET task id -> claim deadline (unix ms)
//	<p>:task:<id>     HASH task fields
//	<p>:unit:<unit>   STRING id of the unit's live task
//	<p>:dead:<id>     HASH fields of a task that could not be decoded
//
// Task keys are derived inside the scripts, so the queue targets a single
// Redis node rather than a cluster.

// KEYS: unit slot, new task, ready. ARGV: task id, visible-at, task key prefix, fields...
var enqueueScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  local flag = redis.call('HGET', ARGV[3] .. current, 'cancel_requested')
  if flag == '0' then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// KEYS: unit slot, from task, to task, ready. ARGV: from id, to id, visible-at, fields...
var handoffScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if redis.call('HGET', KEYS[2], 'cancel_requested') ~= '0' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[3], unpack(ARGV, 4))
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[2])
return 1
`)

// KEYS: ready, claimed. ARGV: now, claim deadline, task key prefix.
// Returns the claimed id and its fields.
var dequeueScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
while true do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('HINCRBY', key, 'deliveries', 1)
    return {id, redis.call('HGETALL', key)}
  end
end
`)

// KEYS: claimed, task. ARGV: task id, claim deadline, deliveries at claim.
var extendScript = goredis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return -1
end
if redis.call('HGET', KEYS[2], 'deliveries') ~= ARGV[3] then
  return -1
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
if redis.call('HGET', KEYS[2], 'cancel_requested') == '0' then
  return 0
end
return 1
`)

// KEYS: claimed, ready, task, unit slot. ARGV: task id.
var ackScript = goredis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
if redis.call('GET', KEYS[4]) == ARGV[1] then
  redis.call('DEL', KEYS[4])
end
return 1
`)

// KEYS: claimed, task, dead letter. ARGV: task id, unit key prefix.
var deadLetterScript = goredis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
local unit = redis.call('HGET', KEYS[2], 'unit_id')
if unit and redis.call('GET', ARGV[2] .. unit) == ARGV[1] then
  redis.call('DEL', ARGV[2] .. unit)
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('RENAME', KEYS[2], KEYS[3])
end
return 1
`)

// KEYS: unit slot, ready. ARGV: task key prefix.
var removeScript = goredis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then
  return 0
end
if redis.call('ZREM', KEYS[2], id) == 1 then
  redis.call('DEL', ARGV[1] .. id)
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// KEYS: unit slot. ARGV: task key prefix.
var cancelScript = goredis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then
  return 0
end
local key = ARGV[1] .. id
if redis.call('EXISTS', key) == 0 then
  return 0
end
redis.call('HSET', key, 'cancel_requested', '1')
return 1
`)

// KEYS: unit slot, task. ARGV: task id.
var cancelledScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 1
end
if redis.call('HGET', KEYS[2], 'cancel_requested') == '0' then
  return 0
end
return 1
`)
