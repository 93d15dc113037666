package cache

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/lessonkit/datacache/logger"
)

// Matcher selects keys for DeletePattern. *regexp.Regexp satisfies it.
type Matcher interface {
	MatchString(s string) bool
}

// Stats is a snapshot for developer tooling.
type Stats struct {
	MemoryEntries  int      `json:"memoryEntries" yaml:"memoryEntries"`
	DurableEntries int      `json:"durableEntries" yaml:"durableEntries"`
	Keys           []string `json:"keys" yaml:"keys"`
}

type pendingRefresh struct {
	timer *time.Timer
	token uint64
}

// turnstile runs durable I/O one call at a time in the order tickets were
// taken. Tickets are taken under Store.mutex, so the durable tier sees writes
// in the same order as the memory tier without the memory lock being held
// across I/O.
type turnstile struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newTurnstile() *turnstile {
	t := &turnstile{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *turnstile) ticket() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	t.next++
	return n
}

func (t *turnstile) run(n uint64, fn func()) {
	t.mu.Lock()
	for t.serving != n {
		t.cond.Wait()
	}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.serving++
		t.cond.Broadcast()
		t.mu.Unlock()
	}()
	fn()
}

// Store keeps entries in two tiers: a bounded in-process LRU and a Durable
// tier addressed by "<version>_<key>". The in-memory write always succeeds;
// durable failures are logged and never returned.
type Store struct {
	cfg     config
	durable Durable
	logger  logger.Logger

	mutex   sync.Mutex
	memory  *simplelru.LRU[string, *Entry]
	pending map[string]*pendingRefresh
	io      *turnstile

	// seq is bumped by every invalidation. keyGen records the last bump per
	// key and cleared the last ClearAll, so a token taken before a producer
	// call can tell whether its write-back is still wanted. keyGen only
	// holds bumps newer than the oldest outstanding token.
	seq         uint64
	keyGen      map[string]uint64
	cleared     uint64
	outstanding map[uint64]int
}

// NewStore returns a Store over durable. A nil durable uses NewMemoryDurable.
func NewStore(ctx context.Context, durable Durable, opts ...Option) (*Store, error) {
	cfg := applyOptions(opts)
	if durable == nil {
		durable = NewMemoryDurable(opts...)
	}
	s := &Store{
		cfg:     cfg,
		durable: durable,
		logger:  cfg.logger.With(map[string]interface{}{"component": "cache"}),
		pending:     make(map[string]*pendingRefresh),
		io:          newTurnstile(),
		keyGen:      make(map[string]uint64),
		outstanding: make(map[uint64]int),
	}
	memory, err := simplelru.NewLRU[string, *Entry](cfg.maxEntries, func(key string, _ *Entry) {
		s.logger.Trace("evicted %s from memory", key)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "memory tier of %d entries", cfg.maxEntries)
	}
	s.memory = memory
	if cfg.startupSweep {
		if n := s.ClearExpired(ctx); n > 0 {
			s.logger.Debug("startup sweep removed %d expired entries", n)
		}
	}
	return s, nil
}

func (s *Store) durableKey(key string) string {
	return s.cfg.version + "_" + key
}

func (s *Store) logicalKey(durableKey string) (string, bool) {
	return strings.CutPrefix(durableKey, s.cfg.version+"_")
}

// handoff runs fn as the next durable call in memory-write order. It is
// called with mutex held and returns with it released.
func (s *Store) handoff(fn func()) {
	n := s.io.ticket()
	s.mutex.Unlock()
	s.io.run(n, fn)
}

// Set writes data under key to both tiers. A zero ttl uses the default TTL;
// NoExpiry stores an entry that never expires.
func (s *Store) Set(ctx context.Context, key string, data any, ttl time.Duration) *Entry {
	s.mutex.Lock()
	return s.setLocked(ctx, key, data, ttl)
}

// setIfCurrent writes only when no invalidation of key happened after token
// was taken.
func (s *Store) setIfCurrent(ctx context.Context, key string, data any, ttl time.Duration, token uint64) (*Entry, bool) {
	s.mutex.Lock()
	if s.invalidatedLocked(key, token) {
		s.mutex.Unlock()
		s.logger.Debug("dropping write-back for %s: invalidated while in flight", key)
		return nil, false
	}
	return s.setLocked(ctx, key, data, ttl), true
}

// setLocked releases mutex.
func (s *Store) setLocked(ctx context.Context, key string, data any, ttl time.Duration) *Entry {
	if ttl == 0 {
		ttl = s.cfg.defaultTTL
	}
	e := &Entry{Key: key, Data: data, CreatedAt: s.cfg.now(), TTL: ttl}
	s.memory.Add(key, e)
	s.handoff(func() { s.persist(ctx, e) })
	return e
}

func (s *Store) persist(ctx context.Context, e *Entry) {
	buf, err := encodeEntry(e)
	if err != nil {
		s.logger.Warn("not persisting %s: %s", e.Key, err)
		return
	}
	err = s.durable.Set(ctx, s.durableKey(e.Key), buf)
	if errors.Is(err, ErrQuotaExceeded) {
		n := s.sweep(ctx)
		s.logger.Debug("durable quota exceeded writing %s, swept %d expired entries", e.Key, n)
		err = s.durable.Set(ctx, s.durableKey(e.Key), buf)
	}
	if err != nil {
		s.logger.Warn("keeping %s in memory only: %s", e.Key, err)
	}
}

// Get reads key, memory first then the durable tier. Expired entries are
// returned with Stale set when acceptStale is true; otherwise they are
// removed and reported as a miss.
func (s *Store) Get(ctx context.Context, key string, acceptStale bool) (*Lookup[any], bool) {
	s.mutex.Lock()
	e, ok := s.memory.Get(key)
	if !ok {
		if e, ok = s.hydrateLocked(ctx, key); !ok {
			s.mutex.Unlock()
			return nil, false
		}
	}
	now := s.cfg.now()
	stale := e.Expired(now)
	if stale && !acceptStale {
		s.memory.Remove(key)
		s.handoff(func() { s.deleteDurable(ctx, key) })
		return nil, false
	}
	s.mutex.Unlock()
	return &Lookup[any]{Data: e.Data, Stale: stale, Age: e.Age(now)}, true
}

// hydrateLocked loads key from the durable tier into memory. The read runs
// without mutex; a value invalidated during the read is discarded.
func (s *Store) hydrateLocked(ctx context.Context, key string) (*Entry, bool) {
	token := s.holdLocked()
	defer s.unholdLocked(token)

	var e *Entry
	s.handoff(func() { e = s.readDurable(ctx, key) })
	s.mutex.Lock()
	if e == nil || s.invalidatedLocked(key, token) {
		return nil, false
	}
	if cur, ok := s.memory.Get(key); ok {
		return cur, true
	}
	s.memory.Add(key, e)
	return e, true
}

func (s *Store) readDurable(ctx context.Context, key string) *Entry {
	dkey := s.durableKey(key)
	buf, found, err := s.durable.Get(ctx, dkey)
	if err != nil {
		s.logger.Warn("durable read of %s failed: %s", key, err)
		return nil
	}
	if !found {
		return nil
	}
	e, err := decodeEntry(key, buf)
	if err != nil {
		s.logger.Warn("discarding corrupt entry: %s", err)
		if err := s.durable.Delete(ctx, dkey); err != nil {
			s.logger.Warn("delete of corrupt %s failed: %s", key, err)
		}
		return nil
	}
	return e
}

func (s *Store) deleteDurable(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := s.durable.Delete(ctx, s.durableKey(key)); err != nil {
			s.logger.Warn("durable delete of %s failed: %s", key, err)
		}
	}
}

// Delete removes key from both tiers and cancels its pending refresh.
func (s *Store) Delete(ctx context.Context, key string) {
	s.mutex.Lock()
	s.invalidateLocked(key)
	s.handoff(func() { s.deleteDurable(ctx, key) })
}

// invalidateLocked drops key from memory, cancels its refresh and bumps its
// generation.
func (s *Store) invalidateLocked(key string) {
	s.memory.Remove(key)
	s.cancelLocked(key)
	s.seq++
	if len(s.outstanding) > 0 {
		s.keyGen[key] = s.seq
	}
}

// DeletePattern deletes every known key matched by m and returns the count.
// Matching is case-sensitive and runs against logical keys.
func (s *Store) DeletePattern(ctx context.Context, m Matcher) int {
	s.mutex.Lock()
	var durableKeys []string
	s.handoff(func() { durableKeys = s.durableKeys(ctx) })

	s.mutex.Lock()
	var matched []string
	for _, key := range s.unionLocked(durableKeys) {
		if m.MatchString(key) {
			s.invalidateLocked(key)
			matched = append(matched, key)
		}
	}
	if len(matched) == 0 {
		s.mutex.Unlock()
		return 0
	}
	s.handoff(func() { s.deleteDurable(ctx, matched...) })
	return len(matched)
}

// unionLocked merges durableKeys with the keys held in memory, sorted.
func (s *Store) unionLocked(durableKeys []string) []string {
	set := make(map[string]struct{})
	for _, key := range s.memory.Keys() {
		set[key] = struct{}{}
	}
	for _, key := range durableKeys {
		set[key] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// durableKeys lists the logical keys of this version in the durable tier.
func (s *Store) durableKeys(ctx context.Context) []string {
	all, err := s.durable.Keys(ctx)
	if err != nil {
		s.logger.Warn("durable key scan failed: %s", err)
		return nil
	}
	keys := make([]string, 0, len(all))
	for _, dkey := range all {
		if key, ok := s.logicalKey(dkey); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// ClearExpired sweeps the durable tier, removing entries past their expiry
// and entries that cannot be parsed. It returns the number removed.
func (s *Store) ClearExpired(ctx context.Context) int {
	var n int
	s.mutex.Lock()
	s.handoff(func() { n = s.sweep(ctx) })
	return n
}

func (s *Store) sweep(ctx context.Context) int {
	now := s.cfg.now()
	var n int
	for _, key := range s.durableKeys(ctx) {
		dkey := s.durableKey(key)
		buf, found, err := s.durable.Get(ctx, dkey)
		if err != nil || !found || !expiredRecord(buf, now) {
			continue
		}
		if err := s.durable.Delete(ctx, dkey); err != nil {
			s.logger.Warn("sweep of %s failed: %s", key, err)
			continue
		}
		n++
	}
	return n
}

// ClearAll drops every key of this version from both tiers and cancels all
// pending refreshes.
func (s *Store) ClearAll(ctx context.Context) {
	s.mutex.Lock()
	s.memory.Purge()
	for key := range s.pending {
		s.cancelLocked(key)
	}
	s.seq++
	s.cleared = s.seq
	clear(s.keyGen)
	s.handoff(func() { s.deleteDurable(ctx, s.durableKeys(ctx)...) })
}

// Stats reports tier sizes and the known logical keys.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mutex.Lock()
	var durableKeys []string
	s.handoff(func() { durableKeys = s.durableKeys(ctx) })

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return Stats{
		MemoryEntries:  s.memory.Len(),
		DurableEntries: len(durableKeys),
		Keys:           s.unionLocked(durableKeys),
	}
}

// hold returns the current invalidation sequence for a write-back check.
// Every hold must be paired with unhold once the check is done.
func (s *Store) hold() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.holdLocked()
}

func (s *Store) unhold(token uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.unholdLocked(token)
}

func (s *Store) holdLocked() uint64 {
	s.outstanding[s.seq]++
	return s.seq
}

// unholdLocked forgets generations no outstanding token can still compare
// against.
func (s *Store) unholdLocked(token uint64) {
	if s.outstanding[token]--; s.outstanding[token] <= 0 {
		delete(s.outstanding, token)
	}
	if len(s.outstanding) == 0 {
		clear(s.keyGen)
		return
	}
	oldest := uint64(math.MaxUint64)
	for t := range s.outstanding {
		oldest = min(oldest, t)
	}
	for key, gen := range s.keyGen {
		if gen <= oldest {
			delete(s.keyGen, key)
		}
	}
}

func (s *Store) invalidatedLocked(key string, token uint64) bool {
	return s.keyGen[key] > token || s.cleared > token
}

// schedule arranges for fn to run after delay unless a refresh for key is
// already pending. The registration stays until release is called.
func (s *Store) schedule(key string, delay time.Duration, fn func(p *pendingRefresh)) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.pending[key]; ok {
		return false
	}
	p := &pendingRefresh{token: s.holdLocked()}
	s.pending[key] = p
	p.timer = time.AfterFunc(delay, func() { fn(p) })
	return true
}

// release clears p's registration if it is still the current one for key and
// gives up its token. A fired refresh must call it exactly once.
func (s *Store) release(key string, p *pendingRefresh) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pending[key] == p {
		delete(s.pending, key)
	}
	s.unholdLocked(p.token)
}

// pendingCount is the number of registered refreshes.
func (s *Store) pendingCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.pending)
}

// cancelLocked unregisters key's refresh. A timer that already fired keeps
// its token until its callback calls release.
func (s *Store) cancelLocked(key string) {
	p, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)
	if p.timer.Stop() {
		s.unholdLocked(p.token)
	}
}

// Close cancels pending refreshes and closes the durable tier.
func (s *Store) Close() error {
	s.cancelAll()
	return s.durable.Close()
}

// cancelAll stops every pending refresh timer.
func (s *Store) cancelAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for key := range s.pending {
		s.cancelLocked(key)
	}
}
