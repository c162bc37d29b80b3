package redis

import "github.com/redis/go-redis/v9"

// claimScript moves due delayed requests into their zone's pending set, then
// picks the best head across the requested zones. Scores carry millisecond
// creation times, so every member sharing the lowest score is compared by its
// order field (creation nanos) and then by id. With ARGV[4] == "1" the pick is
// claimed (removed from pending and marked processing).
//
// ARGV: prefix, zone ("" for all), now (unix ms), claim flag, now (unix nanos)
var claimScript = redis.NewScript(`
local prefix = ARGV[1]
local zone = ARGV[2]

local due = redis.call('ZRANGEBYSCORE', prefix .. 'delayed', '-inf', ARGV[3])
for _, id in ipairs(due) do
	redis.call('ZREM', prefix .. 'delayed', id)
	local fields = redis.call('HMGET', prefix .. 'req:' .. id, 'zone', 'score', 'status')
	if fields[1] and fields[2] and fields[3] == 'pending' then
		redis.call('ZADD', prefix .. 'pending:' .. fields[1], fields[2], id)
	end
end

local zones
if zone ~= '' then
	zones = {zone}
else
	zones = redis.call('SMEMBERS', prefix .. 'zones')
end

local function better(s, o, id, bs, bo, bid)
	if bs == nil or s < bs then
		return true
	end
	if s > bs then
		return false
	end
	if o ~= bo then
		return o < bo
	end
	return id < bid
end

local bestId, bestScore, bestOrder, bestZone
for _, z in ipairs(zones) do
	local key = prefix .. 'pending:' .. z
	local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if head[1] then
		local s = tonumber(head[2])
		local tied = redis.call('ZRANGEBYSCORE', key, head[2], head[2])
		for _, id in ipairs(tied) do
			local o = redis.call('HGET', prefix .. 'req:' .. id, 'order') or ''
			if better(s, o, id, bestScore, bestOrder, bestId) then
				bestId, bestScore, bestOrder, bestZone = id, s, o, z
			end
		end
	end
end

if not bestId then
	return false
end

if ARGV[4] == '1' then
	redis.call('ZREM', prefix .. 'pending:' .. bestZone, bestId)
	redis.call('HSET', prefix .. 'req:' .. bestId, 'status', 'processing', 'updated', ARGV[5])
end

return redis.call('HGETALL', prefix .. 'req:' .. bestId)
`)
