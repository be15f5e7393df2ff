/*
Package redis provides a Redis-backed implementation of the storage interfaces.

PURPOSE:
  Implements billing.Store and billing.SnapshotStore on Redis so several
  ledger processes can share one set of accounts.

KEY LAYOUT (prefix defaults to "cdrledger"):
  {prefix}:users                  SET   hex user ids with an account
  {prefix}:account:{user}         HASH  first_record_time, created_at, next_seq
  {prefix}:cycles:{user}          SET   cycle indices holding records
  {prefix}:cdrs:{user}:{cycle}    LIST  "<seq>:<cdr json>", position order
  {prefix}:snapshots:{user}       HASH  cycle -> snapshot json

ATOMICITY:
  Append and RemoveAt run as Lua scripts, so account creation, sequence
  assignment and list mutation happen in one step. A removal tombstones the
  element with LSET and drops it with LREM; later elements shift down.

UNSIGNED VALUES:
  Timestamps, anchors and cycle indices are written as decimal strings and
  parsed with strconv.ParseUint, so the full uint64 range survives. The
  cycles SET is sorted in Go; a ZSET score would lose precision above 2^53.

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/sqlite: SQLite implementation
*/
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/cdr-ledger/billing"
)

const DefaultPrefix = "cdrledger"

const tombstone = "__removed__"

// appendScript opens the account if needed, bumps its sequence and pushes
// the record. Returns the assigned seq.
//
// KEYS: users, account, cycles, list
// ARGV: user hex, anchor, created_at, cycle, cdr json
var appendScript = redis.NewScript(`
redis.call("HSETNX", KEYS[2], "first_record_time", ARGV[2])
redis.call("HSETNX", KEYS[2], "created_at", ARGV[3])
redis.call("SADD", KEYS[1], ARGV[1])
local seq = redis.call("HINCRBY", KEYS[2], "next_seq", 1)
redis.call("RPUSH", KEYS[4], seq .. ":" .. ARGV[5])
redis.call("SADD", KEYS[3], ARGV[4])
return seq
`)

// removeScript removes the element at ARGV[1]. Returns the removed element,
// or the list length as an integer when the position is out of range.
//
// KEYS: list, cycles
// ARGV: position, cycle, tombstone
var removeScript = redis.NewScript(`
local n = redis.call("LLEN", KEYS[1])
local pos = tonumber(ARGV[1])
if pos < 0 or pos >= n then
  return n
end
local item = redis.call("LINDEX", KEYS[1], pos)
redis.call("LSET", KEYS[1], pos, ARGV[3])
redis.call("LREM", KEYS[1], 1, ARGV[3])
if n == 1 then
  redis.call("SREM", KEYS[2], ARGV[2])
end
return item
`)

// Store implements all storage interfaces on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

// Options configures Dial.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New wraps an existing client. An empty prefix uses DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.String("prefix", opts.Prefix))

	return New(rdb, opts.Prefix), nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Health checks if Redis is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// =============================================================================
// KEYS
// =============================================================================

func (s *Store) usersKey() string { return s.prefix + ":users" }

func (s *Store) accountKey(u billing.UserID) string { return s.prefix + ":account:" + u.Hex() }

func (s *Store) cyclesKey(u billing.UserID) string { return s.prefix + ":cycles:" + u.Hex() }

func (s *Store) listKey(u billing.UserID, cycle uint64) string {
	return s.prefix + ":cdrs:" + u.Hex() + ":" + strconv.FormatUint(cycle, 10)
}

func (s *Store) snapshotsKey(u billing.UserID) string { return s.prefix + ":snapshots:" + u.Hex() }

// =============================================================================
// RECORD STORE (billing.Store interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, user billing.UserID, anchor, cycle uint64, cdr billing.CDR) (billing.Record, error) {
	payload, err := json.Marshal(cdr)
	if err != nil {
		return billing.Record{}, fmt.Errorf("encode cdr: %w", err)
	}

	seq, err := appendScript.Run(ctx, s.client,
		[]string{s.usersKey(), s.accountKey(user), s.cyclesKey(user), s.listKey(user, cycle)},
		user.Hex(),
		strconv.FormatUint(anchor, 10),
		time.Now().UTC().Format(time.RFC3339Nano),
		strconv.FormatUint(cycle, 10),
		string(payload),
	).Int64()
	if err != nil {
		return billing.Record{}, fmt.Errorf("failed to append cdr: %w", err)
	}
	return billing.Record{Seq: uint64(seq), Cycle: cycle, CDR: cdr}, nil
}

func (s *Store) Account(ctx context.Context, user billing.UserID) (billing.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(user)).Result()
	if err != nil {
		return billing.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	if len(fields) == 0 {
		return billing.Account{}, billing.ErrUnknownUser
	}
	return decodeAccount(user, fields)
}

func (s *Store) Accounts(ctx context.Context) ([]billing.Account, error) {
	members, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	sort.Strings(members)

	users := make([]billing.UserID, 0, len(members))
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			user, err := billing.ParseUserID(m)
			if err != nil {
				return err
			}
			users = append(users, user)
			cmds = append(cmds, pipe.HGetAll(ctx, s.accountKey(user)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	accounts := make([]billing.Account, 0, len(users))
	for i, user := range users {
		acc, err := decodeAccount(user, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (s *Store) Count(ctx context.Context, user billing.UserID, cycle uint64) (int, error) {
	n, err := s.client.LLen(ctx, s.listKey(user, cycle)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cdrs: %w", err)
	}
	return int(n), nil
}

// RecordAt reads the size and the element in one MULTI so the reported size
// matches the lookup.
func (s *Store) RecordAt(ctx context.Context, user billing.UserID, cycle uint64, pos int) (billing.Record, error) {
	key := s.listKey(user, cycle)
	var (
		size *redis.IntCmd
		item *redis.StringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		size = pipe.LLen(ctx, key)
		item = pipe.LIndex(ctx, key, int64(max(pos, 0)))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return billing.Record{}, fmt.Errorf("failed to load cdr: %w", err)
	}

	n := int(size.Val())
	if pos < 0 || pos >= n {
		return billing.Record{}, billing.OutOfRange(user, cycle, pos, n, nil)
	}
	return decodeRecord(cycle, item.Val())
}

func (s *Store) RecordAtService(ctx context.Context, user billing.UserID, cycle uint64, pos int, serviceType billing.ServiceType) (billing.Record, error) {
	records, err := s.Records(ctx, user, cycle)
	if err != nil {
		return billing.Record{}, err
	}
	matches := billing.FilterService(records, serviceType)
	if pos < 0 || pos >= len(matches) {
		return billing.Record{}, billing.OutOfRange(user, cycle, pos, len(matches), &serviceType)
	}
	return matches[pos], nil
}

func (s *Store) RemoveAt(ctx context.Context, user billing.UserID, cycle uint64, pos int) (billing.Record, error) {
	res, err := removeScript.Run(ctx, s.client,
		[]string{s.listKey(user, cycle), s.cyclesKey(user)},
		pos,
		strconv.FormatUint(cycle, 10),
		tombstone,
	).Result()
	if err != nil {
		return billing.Record{}, fmt.Errorf("failed to remove cdr: %w", err)
	}

	switch v := res.(type) {
	case int64:
		return billing.Record{}, billing.OutOfRange(user, cycle, pos, int(v), nil)
	case string:
		return decodeRecord(cycle, v)
	default:
		return billing.Record{}, fmt.Errorf("unexpected remove result %T", res)
	}
}

func (s *Store) Records(ctx context.Context, user billing.UserID, cycle uint64) ([]billing.Record, error) {
	items, err := s.client.LRange(ctx, s.listKey(user, cycle), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load cdrs: %w", err)
	}
	return decodeRecords(cycle, items)
}

func (s *Store) Cycles(ctx context.Context, user billing.UserID) ([]uint64, error) {
	members, err := s.client.SMembers(ctx, s.cyclesKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	cycles := make([]uint64, 0, len(members))
	for _, m := range members {
		c, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt cycle index %q: %w", m, err)
		}
		cycles = append(cycles, c)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i] < cycles[j] })
	return cycles, nil
}

func (s *Store) History(ctx context.Context, user billing.UserID) ([]billing.Record, error) {
	cycles, err := s.Cycles(ctx, user)
	if err != nil {
		return nil, err
	}

	cmds := make([]*redis.StringSliceCmd, len(cycles))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, c := range cycles {
			cmds[i] = pipe.LRange(ctx, s.listKey(user, c), 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var history []billing.Record
	for i, c := range cycles {
		records, err := decodeRecords(c, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		history = append(history, records...)
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Seq < history[j].Seq })
	return history, nil
}

// =============================================================================
// SNAPSHOT STORE (billing.SnapshotStore interface)
// =============================================================================

type storedSnapshot struct {
	Start          uint64         `json:"start,string"`
	End            uint64         `json:"end,string"`
	Size           int            `json:"size"`
	TotalCost      billing.Amount `json:"total_cost"`
	ClosingBalance billing.Amount `json:"closing_balance"`
	BalanceRule    string         `json:"balance_rule"`
	ClosedAt       time.Time      `json:"closed_at"`
}

func (s *Store) SaveSnapshot(ctx context.Context, snap billing.CycleSnapshot) (bool, error) {
	payload, err := json.Marshal(storedSnapshot{
		Start:          snap.Cycle.Start,
		End:            snap.Cycle.End,
		Size:           snap.Size,
		TotalCost:      snap.TotalCost,
		ClosingBalance: snap.ClosingBalance,
		BalanceRule:    snap.BalanceRule,
		ClosedAt:       snap.ClosedAt.UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	saved, err := s.client.HSetNX(ctx, s.snapshotsKey(snap.UserID),
		strconv.FormatUint(snap.Cycle.Index, 10), payload).Result()
	if err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return saved, nil
}

func (s *Store) Snapshot(ctx context.Context, user billing.UserID, cycle uint64) (*billing.CycleSnapshot, error) {
	raw, err := s.client.HGet(ctx, s.snapshotsKey(user), strconv.FormatUint(cycle, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap, err := decodeSnapshot(user, cycle, raw)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) Snapshots(ctx context.Context, user billing.UserID) ([]billing.CycleSnapshot, error) {
	all, err := s.client.HGetAll(ctx, s.snapshotsKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}

	result := make([]billing.CycleSnapshot, 0, len(all))
	for field, raw := range all {
		cycle, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot cycle %q: %w", field, err)
		}
		snap, err := decodeSnapshot(user, cycle, raw)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Cycle.Index < result[j].Cycle.Index })
	return result, nil
}

// =============================================================================
// DECODING
// =============================================================================

func decodeRecord(cycle uint64, item string) (billing.Record, error) {
	seqPart, payload, ok := strings.Cut(item, ":")
	if !ok {
		return billing.Record{}, fmt.Errorf("corrupt cdr entry %q", item)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return billing.Record{}, fmt.Errorf("corrupt cdr seq %q: %w", seqPart, err)
	}
	var cdr billing.CDR
	if err := json.Unmarshal([]byte(payload), &cdr); err != nil {
		return billing.Record{}, fmt.Errorf("corrupt cdr seq %d: %w", seq, err)
	}
	return billing.Record{Seq: seq, Cycle: cycle, CDR: cdr}, nil
}

func decodeRecords(cycle uint64, items []string) ([]billing.Record, error) {
	records := make([]billing.Record, 0, len(items))
	for _, item := range items {
		rec, err := decodeRecord(cycle, item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeAccount(user billing.UserID, fields map[string]string) (billing.Account, error) {
	anchor, err := strconv.ParseUint(fields["first_record_time"], 10, 64)
	if err != nil {
		return billing.Account{}, fmt.Errorf("corrupt account %s: %w", user, err)
	}
	created, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	return billing.Account{UserID: user, FirstRecordTime: anchor, CreatedAt: created}, nil
}

func decodeSnapshot(user billing.UserID, cycle uint64, raw string) (billing.CycleSnapshot, error) {
	var stored storedSnapshot
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return billing.CycleSnapshot{}, fmt.Errorf("corrupt snapshot %d: %w", cycle, err)
	}
	return billing.CycleSnapshot{
		UserID:         user,
		Cycle:          billing.Cycle{Index: cycle, Start: stored.Start, End: stored.End},
		Size:           stored.Size,
		TotalCost:      stored.TotalCost,
		ClosingBalance: stored.ClosingBalance,
		BalanceRule:    stored.BalanceRule,
		ClosedAt:       stored.ClosedAt,
	}, nil
}
