package queue

import "github.com/redis/go-redis/v9"

// Members of every sorted set have the form "<rank>:<seq>:<id>" so that
// jobs with equal scores pop in enqueue order and a stale member can be
// routed back to its tier without reading the job body.

// KEYS[1] data hash, KEYS[2] tier set
// ARGV[1] id, ARGV[2] job json, ARGV[3] score, ARGV[4] member
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// KEYS[1..3] tier sets high→low, KEYS[4] processing set
// ARGV[1] now (ms), ARGV[2] limit
var dequeueScript = redis.NewScript(`
local now = ARGV[1]
local remaining = tonumber(ARGV[2])
local out = {}
for i = 1, 3 do
  if remaining <= 0 then
    break
  end
  local members = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', now, 'LIMIT', '0', tostring(remaining))
  for _, m in ipairs(members) do
    redis.call('ZREM', KEYS[i], m)
    redis.call('ZADD', KEYS[4], now, m)
    out[#out + 1] = m
    remaining = remaining - 1
  end
end
return out
`)

// KEYS[1] source set, KEYS[2] target set, KEYS[3] data hash
// ARGV[1] member, ARGV[2] score, ARGV[3] id, ARGV[4] job json
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
return 1
`)

// KEYS[1] processing set, KEYS[2] data hash, KEYS[3] completed counter
// ARGV[1] member, ARGV[2] id
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[2])
redis.call('INCR', KEYS[3])
return 1
`)
