package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ersinkoc/gamificationkit/eventbus"
	"github.com/ersinkoc/gamificationkit/gkerrors"
)

type kvEntry struct {
	value    string
	expireAt *time.Time
}

// Memory is a single-process Storage implementation backed by plain Go
// maps under one mutex. It is the "at least one in-process implementation"
// required by §4.4; MemDB (memdb.go) is the second, transaction-oriented
// implementation supplementing it per SPEC_FULL.md §C.2.
type Memory struct {
	mu sync.Mutex

	kv    map[string]kvEntry
	hash  map[string]map[string]string
	lists map[string][]string
	sets  map[string]map[string]struct{}
	zsets map[string]map[string]float64

	expireAt  map[string]time.Time // expiry shared across sub-spaces keyed by raw key
	connected bool
}

// NewMemory constructs an unconnected Memory store; Connect must be called
// before use per §4.4.
func NewMemory() *Memory {
	return &Memory{
		kv:       make(map[string]kvEntry),
		hash:     make(map[string]map[string]string),
		lists:    make(map[string][]string),
		sets:     make(map[string]map[string]struct{}),
		zsets:    make(map[string]map[string]float64),
		expireAt: make(map[string]time.Time),
	}
}

func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Memory) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) requireConnected() error {
	if !m.connected {
		return gkerrors.ErrNotConnected
	}
	return nil
}

// isExpiredLocked lazily evicts an expired key; caller holds m.mu.
func (m *Memory) isExpiredLocked(key string) bool {
	exp, ok := m.expireAt[key]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(m.expireAt, key)
		delete(m.kv, key)
		delete(m.hash, key)
		delete(m.lists, key)
		delete(m.sets, key)
		delete(m.zsets, key)
		return true
	}
	return false
}

// --- KV ---

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := m.requireConnected(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isExpiredLocked(key) {
		return "", false, nil
	}
	e, ok := m.kv[key]
	return e.value, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expireAt, key)
	m.kv[key] = kvEntry{value: value}
	return nil
}

func (m *Memory) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = kvEntry{value: value}
	m.expireAt[key] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.expireAt, key)
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isExpiredLocked(key)
	cur := int64(0)
	if e, ok := m.kv[key]; ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, gkerrors.ErrNotNumeric
		}
		cur = n
	}
	cur += delta
	m.kv[key] = kvEntry{value: strconv.FormatInt(cur, 10)}
	return cur, nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := m.requireConnected(); err != nil {
		return nil, err
	}
	compiled, err := eventbus.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.kv {
		if m.isExpiredLocked(k) {
			continue
		}
		if compiled.Match(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- Hash ---

func (m *Memory) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if err := m.requireConnected(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isExpiredLocked(key) {
		return "", false, nil
	}
	v, ok := m.hash[key][field]
	return v, ok, nil
}

func (m *Memory) HSet(ctx context.Context, key, field, value string) error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hash[key] == nil {
		m.hash[key] = make(map[string]string)
	}
	m.hash[key][field] = value
	return nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := m.requireConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isExpiredLocked(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.hash[key]))
	for k, v := range m.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HDel(ctx context.Context, key, field string) error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hash[key], field)
	return nil
}

func (m *Memory) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isExpiredLocked(key)
	if m.hash[key] == nil {
		m.hash[key] = make(map[string]string)
	}
	cur := int64(0)
	if v, ok := m.hash[key][field]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, gkerrors.ErrNotNumeric
		}
		cur = n
	}
	cur += delta
	m.hash[key][field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// --- List ---

func (m *Memory) LPush(ctx context.Context, key string, values ...string) (int, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	return len(m.lists[key]), nil
}

func (m *Memory) RPush(ctx context.Context, key string, values ...string) (int, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return len(m.lists[key]), nil
}

func (m *Memory) LPop(ctx context.Context, key string) (string, bool, error) {
	if err := m.requireConnected(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[0]
	m.lists[key] = l[1:]
	return v, true, nil
}

func (m *Memory) RPop(ctx context.Context, key string) (string, bool, error) {
	if err := m.requireConnected(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[len(l)-1]
	m.lists[key] = l[:len(l)-1]
	return v, true, nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	if err := m.requireConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	s, e, ok := normalizeRange(len(l), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, e-s+1)
	copy(out, l[s:e+1])
	return out, nil
}

func (m *Memory) LLen(ctx context.Context, key string) (int, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key]), nil
}

// normalizeRange converts possibly-negative, possibly-out-of-range
// [start,stop] bounds (§4.4: negative indices count from the end,
// inclusive both sides) into clamped [0,n) array indices.
func normalizeRange(n, start, stop int) (int, int, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// --- Set ---

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	added := 0
	for _, mem := range members {
		if _, ok := m.sets[key][mem]; !ok {
			m.sets[key][mem] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) (int, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, mem := range members {
		if _, ok := m.sets[key][mem]; ok {
			delete(m.sets[key], mem)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.requireConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SIsMember(ctx context.Context, key, member string) (bool, error) {
	if err := m.requireConnected(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

// --- SortedSet ---

func (m *Memory) ZAdd(ctx context.Context, key, member string, score float64) (int, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	_, existed := m.zsets[key][member]
	m.zsets[key][member] = score
	if existed {
		return 0, nil
	}
	return 1, nil
}

func (m *Memory) ZRem(ctx context.Context, key string, members ...string) (int, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, mem := range members {
		if _, ok := m.zsets[key][mem]; ok {
			delete(m.zsets[key], mem)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	if err := m.requireConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] += delta
	return m.zsets[key][member], nil
}

func (m *Memory) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	if err := m.requireConnected(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.zsets[key][member]
	return s, ok, nil
}

// sortedMembers returns members ordered ascending by score, ties broken by
// member name for determinism.
func (m *Memory) sortedMembers(key string) []ScoredMember {
	out := make([]ScoredMember, 0, len(m.zsets[key]))
	for mem, score := range m.zsets[key] {
		out = append(out, ScoredMember{Member: mem, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *Memory) ZRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	sm, err := m.ZRangeWithScores(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(sm))
	for i, s := range sm {
		out[i] = s.Member
	}
	return out, nil
}

func (m *Memory) ZRevRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	sm, err := m.ZRevRangeWithScores(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(sm))
	for i, s := range sm {
		out[i] = s.Member
	}
	return out, nil
}

func (m *Memory) ZRangeWithScores(ctx context.Context, key string, start, stop int) ([]ScoredMember, error) {
	if err := m.requireConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedMembers(key)
	s, e, ok := normalizeRange(len(all), start, stop)
	if !ok {
		return []ScoredMember{}, nil
	}
	out := make([]ScoredMember, e-s+1)
	copy(out, all[s:e+1])
	return out, nil
}

func (m *Memory) ZRevRangeWithScores(ctx context.Context, key string, start, stop int) ([]ScoredMember, error) {
	if err := m.requireConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedMembers(key)
	reversed := make([]ScoredMember, len(all))
	for i, v := range all {
		reversed[len(all)-1-i] = v
	}
	s, e, ok := normalizeRange(len(reversed), start, stop)
	if !ok {
		return []ScoredMember{}, nil
	}
	out := make([]ScoredMember, e-s+1)
	copy(out, reversed[s:e+1])
	return out, nil
}

func (m *Memory) ZRank(ctx context.Context, key, member string) (int, bool, error) {
	if err := m.requireConnected(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedMembers(key)
	for i, s := range all {
		if s.Member == member {
			return i, true, nil
		}
	}
	return 0, false, nil
}

func (m *Memory) ZRevRank(ctx context.Context, key, member string) (int, bool, error) {
	rank, ok, err := m.ZRank(ctx, key, member)
	if err != nil || !ok {
		return 0, ok, err
	}
	m.mu.Lock()
	n := len(m.zsets[key])
	m.mu.Unlock()
	return n - 1 - rank, true, nil
}

// --- TTL ---

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireAt[key] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := m.requireConnected(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expireAt[key]
	if !ok {
		return 0, false, nil
	}
	remaining := time.Until(exp)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

// --- Multi ---

// txTarget is the subset of Storage a genericTx replays its queued
// operations against. Both Memory and MemDB satisfy it, so the two
// in-process backends (§C.2 of SPEC_FULL.md) share one Tx implementation
// rather than duplicating the builder.
type txTarget interface {
	Set(ctx context.Context, key, value string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	ZAdd(ctx context.Context, key, member string, score float64) (int, error)
	LPush(ctx context.Context, key string, values ...string) (int, error)
}

type genericTx struct {
	target txTarget
	ops    []func(ctx context.Context) error
}

func newTx(target txTarget) Tx { return &genericTx{target: target} }

func (m *Memory) Multi() Tx { return newTx(m) }

func (t *genericTx) KVSet(key, value string) Tx {
	t.ops = append(t.ops, func(ctx context.Context) error { return t.target.Set(ctx, key, value) })
	return t
}

func (t *genericTx) HIncrBy(key, field string, delta int64) Tx {
	t.ops = append(t.ops, func(ctx context.Context) error {
		_, err := t.target.HIncrBy(ctx, key, field, delta)
		return err
	})
	return t
}

func (t *genericTx) ZAdd(key, member string, score float64) Tx {
	t.ops = append(t.ops, func(ctx context.Context) error {
		_, err := t.target.ZAdd(ctx, key, member, score)
		return err
	})
	return t
}

func (t *genericTx) LPush(key string, values ...string) Tx {
	t.ops = append(t.ops, func(ctx context.Context) error {
		_, err := t.target.LPush(ctx, key, values...)
		return err
	})
	return t
}

// Exec runs the queued operations in submission order, each taking the
// store's lock on its own; other callers can interleave between them, so
// the batch is not atomic. It stops at the first failure without rolling
// back the operations already applied.
func (t *genericTx) Exec(ctx context.Context) error {
	for i, op := range t.ops {
		if err := op(ctx); err != nil {
			return fmt.Errorf("%w: operation %d: %v", gkerrors.ErrTransactionFailed, i, err)
		}
	}
	return nil
}
