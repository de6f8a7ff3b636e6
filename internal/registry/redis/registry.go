// Package redis implements the verifier registry on Redis.
//
// Layout: a set <prefix>:verifiers lists every address and a hash
// <prefix>:verifier:<address> holds locked/pending/height. Claim, release and reclaim
// run as Lua scripts, which Redis executes atomically. The scripts touch hashes derived
// from set members, so a cluster deployment must keep the prefix in one hash slot
// (for example by using a {tag} prefix).
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/verifierpool/internal/registry"
)

// DefaultPrefix namespaces registry keys.
const DefaultPrefix = "verifierpool"

const (
	fieldLocked  = "locked"
	fieldPending = "pending"
	fieldHeight  = "height"
)

var claimScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local maxPending = tonumber(ARGV[2])
local prefix = ARGV[3]
local bestAddr, bestPending, bestHeight
for _, addr in ipairs(members) do
  local v = redis.call('HMGET', prefix .. addr, 'locked', 'pending', 'height')
  local pending = tonumber(v[2]) or 0
  local height = tonumber(v[3]) or 0
  if v[1] ~= '1' and pending < maxPending then
    if bestAddr == nil or pending < bestPending
      or (pending == bestPending and (height < bestHeight
        or (height == bestHeight and addr < bestAddr))) then
      bestAddr, bestPending, bestHeight = addr, pending, height
    end
  end
end
if bestAddr == nil then
  return false
end
redis.call('HSET', prefix .. bestAddr, 'locked', '1', 'pending', bestPending + 1, 'height', ARGV[1])
return {bestAddr, tostring(bestPending + 1)}
`)

var releaseScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return -1
end
local key = ARGV[2] .. ARGV[1]
local pending = tonumber(redis.call('HGET', key, 'pending')) or 0
if pending > 0 then
  pending = pending - 1
end
redis.call('HSET', key, 'locked', '0', 'pending', pending)
return pending
`)

var reclaimScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local threshold = tonumber(ARGV[2])
local prefix = ARGV[3]
local n = 0
for _, addr in ipairs(members) do
  local key = prefix .. addr
  local v = redis.call('HMGET', key, 'locked', 'height')
  if v[1] == '1' and (tonumber(v[2]) or 0) < threshold then
    redis.call('HSET', key, 'locked', '0', 'pending', 0, 'height', ARGV[1])
    n = n + 1
  end
end
return n
`)

var ensureScript = redis.NewScript(`
local prefix = ARGV[1]
for i = 2, #ARGV do
  redis.call('SADD', KEYS[1], ARGV[i])
  local key = prefix .. ARGV[i]
  if redis.call('EXISTS', key) == 0 then
    redis.call('HSET', key, 'locked', '0', 'pending', 0, 'height', 0)
  end
end
return #ARGV - 1
`)

var resetScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, addr in ipairs(members) do
  redis.call('HSET', ARGV[1] .. addr, 'locked', '0', 'pending', 0)
end
return #members
`)

// Registry is a registry.Registry backed by Redis.
type Registry struct {
	client redis.UniversalClient
	prefix string
}

var _ registry.Registry = (*Registry)(nil)

// New creates a registry using client. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{client: client, prefix: prefix}
}

// Options mirrors the connection settings exposed through configuration.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return New(client, opts.Prefix), nil
}

// Close closes the underlying client.
func (r *Registry) Close() error {
	return r.client.Close()
}

func (r *Registry) setKey() string {
	return r.prefix + ":verifiers"
}

func (r *Registry) recordPrefix() string {
	return r.prefix + ":verifier:"
}

func (r *Registry) recordKey(address string) string {
	return r.recordPrefix() + address
}

func (r *Registry) ClaimOne(ctx context.Context, currentHeight uint64, maxPending int64) (*registry.Record, error) {
	res, err := claimScript.Run(ctx, r.client, []string{r.setKey()},
		strconv.FormatUint(currentHeight, 10), maxPending, r.recordPrefix()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim verifier: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("claim verifier: unexpected reply %v", res)
	}
	addr, _ := vals[0].(string)
	pending, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("claim verifier: bad pending count %v", vals[1])
	}
	return &registry.Record{
		Address:           addr,
		IsLocked:          true,
		PendingCount:      pending,
		LastClaimedHeight: currentHeight,
	}, nil
}

func (r *Registry) Release(ctx context.Context, address string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.setKey()}, address, r.recordPrefix()).Int64()
	if err != nil {
		return fmt.Errorf("release verifier %s: %w", address, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", registry.ErrUnknownVerifier, address)
	}
	return nil
}

func (r *Registry) ReclaimStale(ctx context.Context, currentHeight, blockWindow uint64) (int64, error) {
	threshold, ok := registry.StaleThreshold(currentHeight, blockWindow)
	if !ok {
		return 0, nil
	}
	n, err := reclaimScript.Run(ctx, r.client, []string{r.setKey()},
		strconv.FormatUint(currentHeight, 10), strconv.FormatUint(threshold, 10), r.recordPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale verifiers: %w", err)
	}
	return n, nil
}

func (r *Registry) UpsertAll(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, addr := range addresses {
			pipe.SAdd(ctx, r.setKey(), addr)
			pipe.HSet(ctx, r.recordKey(addr), fieldLocked, "0", fieldPending, 0, fieldHeight, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert verifiers: %w", err)
	}
	return nil
}

func (r *Registry) EnsureAll(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(addresses)+1)
	args = append(args, r.recordPrefix())
	for _, addr := range addresses {
		args = append(args, addr)
	}
	if err := ensureScript.Run(ctx, r.client, []string{r.setKey()}, args...).Err(); err != nil {
		return fmt.Errorf("ensure verifiers: %w", err)
	}
	return nil
}

func (r *Registry) ResetAll(ctx context.Context) error {
	if err := resetScript.Run(ctx, r.client, []string{r.setKey()}, r.recordPrefix()).Err(); err != nil {
		return fmt.Errorf("reset verifiers: %w", err)
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]registry.Record, error) {
	members, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list verifiers: %w", err)
	}
	sort.Strings(members)

	cmds := make([]*redis.SliceCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, addr := range members {
			cmds[i] = pipe.HMGet(ctx, r.recordKey(addr), fieldLocked, fieldPending, fieldHeight)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list verifiers: %w", err)
	}

	out := make([]registry.Record, 0, len(members))
	for i, addr := range members {
		out = append(out, parseRecord(addr, cmds[i].Val()))
	}
	return out, nil
}

// parseRecord converts an HMGET reply of locked/pending/height into a Record.
// Missing fields read as zero.
func parseRecord(address string, vals []interface{}) registry.Record {
	rec := registry.Record{Address: address}
	field := func(i int) string {
		if i >= len(vals) || vals[i] == nil {
			return ""
		}
		s, _ := vals[i].(string)
		return s
	}
	rec.IsLocked = field(0) == "1"
	rec.PendingCount, _ = strconv.ParseInt(field(1), 10, 64)
	rec.LastClaimedHeight, _ = strconv.ParseUint(field(2), 10, 64)
	return rec
}
