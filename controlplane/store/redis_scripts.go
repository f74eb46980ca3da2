package store

// claimScript implements the Claim Engine (spec.md §4.3) as a single
// server-side atomic step: lease recovery, node gate, capacity gate,
// eligibility filter, priority+FIFO selection, and transition. Returns the
// claimed task's JSON, or an empty string if none is eligible.
//
// This script does arithmetic on last_heartbeat.ts/claimed_at/retry_after,
// so those fields must cross the wire as cjson numbers, not the quoted
// RFC3339 strings encoding/json produces for time.Time — redis_codec.go's
// redisTask/redisNode give Go that numeric encoding (heartbeat ts in unix
// millis, claimed_at/retry_after in unix nanos) before anything is written
// here, and decode it back to time.Time on the way out.
//
// KEYS[1] = queue index set
// KEYS[2] = claimed index zset (member=taskID, score=claimedAt unix millis)
// ARGV[1] = nodeID
// ARGV[2] = now (unix millis)
// ARGV[3] = claimTtlMs
// ARGV[4] = healthyCutoffMs
// ARGV[5] = degradedCutoffMs
const claimScript = `
local queueKey = KEYS[1]
local claimedKey = KEYS[2]
local nodeId = ARGV[1]
local now = tonumber(ARGV[2])
local claimTtlMs = tonumber(ARGV[3])
local healthyMs = tonumber(ARGV[4])
local degradedMs = tonumber(ARGV[5])

-- Step 1: lease recovery. Any claimed task past its lease goes back to
-- queued and rejoins the queue index.
local claimedIds = redis.call("ZRANGEBYSCORE", claimedKey, 0, now - claimTtlMs)
for _, taskId in ipairs(claimedIds) do
	local raw = redis.call("GET", "edgemesh:tasks:" .. taskId)
	if raw then
		local task = cjson.decode(raw)
		if task.status == "claimed" then
			task.status = "queued"
			task.assigned_node_id = nil
			task.claimed_at = nil
			redis.call("SET", "edgemesh:tasks:" .. taskId, cjson.encode(task))
			redis.call("SADD", queueKey, taskId)
			redis.call("ZREM", claimedKey, taskId)
		end
	end
end

-- Step 2: node gate.
local nodeRaw = redis.call("GET", "edgemesh:nodes:" .. nodeId)
if not nodeRaw then
	return ""
end
local node = cjson.decode(nodeRaw)
if not node.trusted or node.revoked or node.draining then
	return ""
end
local fresh = "offline"
if node.last_heartbeat and node.last_heartbeat.ts then
	local age = now - node.last_heartbeat.ts
	if age <= healthyMs and node.last_heartbeat.status ~= "degraded" then
		fresh = "healthy"
	elseif age <= degradedMs then
		fresh = "degraded"
	end
end
if fresh ~= "healthy" then
	return ""
end

-- Step 3: capacity gate.
local active = 0
local allClaimed = redis.call("ZRANGE", claimedKey, 0, -1)
for _, taskId in ipairs(allClaimed) do
	local raw = redis.call("GET", "edgemesh:tasks:" .. taskId)
	if raw then
		local task = cjson.decode(raw)
		if task.assigned_node_id == nodeId then
			active = active + 1
		end
	end
end
if active >= node.max_concurrent_tasks then
	return ""
end

-- Step 4 + 5: eligibility filter, then priority desc / createdAt asc /
-- taskId asc selection.
local queued = redis.call("SMEMBERS", queueKey)
local best = nil
for _, taskId in ipairs(queued) do
	local raw = redis.call("GET", "edgemesh:tasks:" .. taskId)
	if raw then
		local task = cjson.decode(raw)
		local eligible = true
		if task.retry_after and task.retry_after > now * 1000000 then
			eligible = false
		end
		if task.target_node_id and task.target_node_id ~= "" and task.target_node_id ~= nodeId then
			eligible = false
		end
		if eligible and task.required_tags then
			for _, tag in ipairs(task.required_tags) do
				local has = false
				if node.tags then
					for _, t in ipairs(node.tags) do
						if t == tag then has = true end
					end
				end
				if not has then eligible = false end
			end
		end
		if eligible then
			if best == nil then
				best = task
			else
				local bp = best.priority or 0
				local tp = task.priority or 0
				if tp > bp then
					best = task
				elseif tp == bp then
					if task.created_at < best.created_at then
						best = task
					elseif task.created_at == best.created_at and task.task_id < best.task_id then
						best = task
					end
				end
			end
		end
	end
end

if best == nil then
	return ""
end

-- Step 6: transition.
best.status = "claimed"
best.claimed_at = now * 1000000
best.assigned_node_id = nodeId
best.attempt = (best.attempt or 0) + 1

redis.call("SET", "edgemesh:tasks:" .. best.task_id, cjson.encode(best))
redis.call("SREM", queueKey, best.task_id)
redis.call("ZADD", claimedKey, now, best.task_id)

return cjson.encode(best)
`

// cancelScript implements cancelTask's atomicity contract: no-op if the
// task is already terminal, else transition and drop from every index.
//
// KEYS[1] = queue index set
// KEYS[2] = claimed index zset
// ARGV[1] = taskID
const cancelScript = `
local taskId = ARGV[1]
local raw = redis.call("GET", "edgemesh:tasks:" .. taskId)
if not raw then
	return redis.error_reply("task_not_found")
end
local task = cjson.decode(raw)
if task.status == "done" or task.status == "failed" or task.status == "cancelled" then
	return 0
end
task.status = "cancelled"
task.claimed_at = nil
task.assigned_node_id = nil
redis.call("SET", "edgemesh:tasks:" .. taskId, cjson.encode(task))
redis.call("SREM", KEYS[1], taskId)
redis.call("ZREM", KEYS[2], taskId)
return 1
`

// requeueRetryScript implements requeueForRetry: claimed/running -> queued,
// clearing claim fields and setting retryAfter.
//
// KEYS[1] = queue index set
// KEYS[2] = claimed index zset
// ARGV[1] = taskID
// ARGV[2] = retryAfter (unix nanos)
const requeueRetryScript = `
local taskId = ARGV[1]
local retryAfter = tonumber(ARGV[2])
local raw = redis.call("GET", "edgemesh:tasks:" .. taskId)
if not raw then
	return redis.error_reply("task_not_found")
end
local task = cjson.decode(raw)
task.status = "queued"
task.assigned_node_id = nil
task.claimed_at = nil
task.retry_after = retryAfter
redis.call("SET", "edgemesh:tasks:" .. taskId, cjson.encode(task))
redis.call("SADD", KEYS[1], taskId)
redis.call("ZREM", KEYS[2], taskId)
return 1
`

// requeueFromDlqScript implements requeueFromDlq: removes the DLQ entry and
// restores the task with attempt=0, returning the restored task's JSON.
//
// KEYS[1] = queue index set
// KEYS[2] = dlq index set
// ARGV[1] = taskID
const requeueFromDlqScript = `
local taskId = ARGV[1]
local dlqRaw = redis.call("GET", "edgemesh:dlq:" .. taskId)
if not dlqRaw then
	return ""
end
local entry = cjson.decode(dlqRaw)
local task = entry.task
task.status = "queued"
task.attempt = 0
task.retry_after = nil
task.claimed_at = nil
task.assigned_node_id = nil

redis.call("SET", "edgemesh:tasks:" .. taskId, cjson.encode(task))
redis.call("SADD", KEYS[1], taskId)
redis.call("DEL", "edgemesh:dlq:" .. taskId)
redis.call("SREM", KEYS[2], taskId)

return cjson.encode(task)
`
