package redis

const (
	// upsertRecordScript atomically writes a full activity row, moves the
	// user's latest pointer to it, and puts the superseded row on a
	// retention TTL.
	upsertRecordScript = `
local record_key = KEYS[1]    -- shiftbeat:activity:{userID}:{bucketID}
local latest_key = KEYS[2]    -- shiftbeat:activity:latest
local index_key = KEYS[3]     -- shiftbeat:activity:index:{userID}

local user_id = ARGV[1]
local bucket_id = ARGV[2]
local is_active = ARGV[3]
local active_seconds = ARGV[4]
local inactive_seconds = ARGV[5]
local session_start = ARGV[6]
local created_at = ARGV[7]
local updated_at = ARGV[8]
local retention_ttl = tonumber(ARGV[9])

-- Expire the previously current row if the pointer moves
local previous = redis.call('HGET', latest_key, user_id)
if previous and previous ~= bucket_id then
  local previous_key = 'shiftbeat:activity:' .. user_id .. ':' .. previous
  redis.call('EXPIRE', previous_key, retention_ttl)
end

redis.call('HSET', record_key,
  'user_id', user_id,
  'bucket_id', bucket_id,
  'is_active', is_active,
  'active_seconds', active_seconds,
  'inactive_seconds', inactive_seconds,
  'session_start', session_start,
  'created_at', created_at,
  'updated_at', updated_at
)
-- The current row must never expire
redis.call('PERSIST', record_key)

redis.call('HSET', latest_key, user_id, bucket_id)
redis.call('SADD', index_key, bucket_id)

return 'OK'
`

	// applyDeltaScript atomically increments the counters of an existing row
	// and updates its live fields. Returns 0 when the row does not exist.
	applyDeltaScript = `
local record_key = KEYS[1]    -- shiftbeat:activity:{userID}:{bucketID}

local active_delta = ARGV[1]
local inactive_delta = ARGV[2]
local is_active = ARGV[3]
local session_start = ARGV[4] -- empty string means "leave unchanged"
local updated_at = ARGV[5]

if redis.call('EXISTS', record_key) == 0 then
  return 0
end

redis.call('HINCRBY', record_key, 'active_seconds', active_delta)
redis.call('HINCRBY', record_key, 'inactive_seconds', inactive_delta)
redis.call('HSET', record_key, 'is_active', is_active, 'updated_at', updated_at)

if session_start ~= '' then
  redis.call('HSET', record_key, 'session_start', session_start)
end

return 1
`
)
