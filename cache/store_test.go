package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type plan struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func newTestStore(t *testing.T, d Durable, opts ...Option) (*Store, *testClock, *logger.TestLogger) {
	t.Helper()
	clock := newTestClock()
	log := logger.NewTestLogger()
	opts = append([]Option{WithClock(clock.Now), WithLogger(log)}, opts...)
	s, err := NewStore(context.Background(), d, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock, log
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, nil)

	e := s.Set(ctx, "lessonPlans_a", "v1", time.Minute)
	assert.Equal(t, "lessonPlans_a", e.Key)
	assert.Equal(t, clock.Now().Add(time.Minute), e.ExpiresAt())

	clock.Advance(10 * time.Second)
	l, ok := s.Get(ctx, "lessonPlans_a", false)
	require.True(t, ok)
	assert.Equal(t, "v1", l.Data)
	assert.False(t, l.Stale)
	assert.Equal(t, 10*time.Second, l.Age)

	_, ok = s.Get(ctx, "lessonPlans_b", true)
	assert.False(t, ok)
}

func TestStoreTTLScenario(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, nil)

	s.Set(ctx, "a", "v1", time.Second)

	clock.Advance(500 * time.Millisecond)
	l, ok := s.Get(ctx, "a", false)
	require.True(t, ok)
	assert.Equal(t, "v1", l.Data)
	assert.False(t, l.Stale)

	clock.Advance(time.Second)
	l, ok = s.Get(ctx, "a", true)
	require.True(t, ok)
	assert.Equal(t, "v1", l.Data)
	assert.True(t, l.Stale)

	// a stale read leaves the entry in place
	_, ok = s.Get(ctx, "a", true)
	assert.True(t, ok)

	_, ok = s.Get(ctx, "a", false)
	assert.False(t, ok)
	_, ok = s.Get(ctx, "a", true)
	assert.False(t, ok, "rejected stale read removes the entry")
}

func TestStoreTTLBoundary(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, nil)
	s.Set(ctx, "k", 1, time.Minute)

	clock.Advance(time.Minute - time.Millisecond)
	l, ok := s.Get(ctx, "k", true)
	require.True(t, ok)
	assert.False(t, l.Stale)

	clock.Advance(2 * time.Millisecond)
	l, ok = s.Get(ctx, "k", true)
	require.True(t, ok)
	assert.True(t, l.Stale)
}

func TestStoreDefaultTTLAndNoExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, nil, WithDefaultTTL(time.Hour))

	assert.Equal(t, time.Hour, s.Set(ctx, "default", 1, 0).TTL)
	s.Set(ctx, "forever", 2, NoExpiry)

	clock.Advance(24 * 365 * time.Hour)
	l, ok := s.Get(ctx, "forever", false)
	require.True(t, ok)
	assert.False(t, l.Stale)
	_, ok = s.Get(ctx, "default", false)
	assert.False(t, ok)
}

func TestStorePersistedFormat(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, clock, _ := newTestStore(t, d)

	s.Set(ctx, "schemes_x", plan{ID: "x", Title: "Fractions"}, time.Minute)
	s.Set(ctx, "users", []string{"ana"}, NoExpiry)

	buf, found, err := d.Get(ctx, "v1_schemes_x")
	require.NoError(t, err)
	require.True(t, found)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf, &rec))
	assert.Equal(t, map[string]interface{}{"id": "x", "title": "Fractions"}, rec["data"])
	assert.Equal(t, float64(clock.Now().UnixMilli()), rec["timestamp"])
	assert.Equal(t, float64(60000), rec["ttl"])
	assert.Equal(t, float64(clock.Now().Add(time.Minute).UnixMilli()), rec["expiresAt"])

	buf, _, err = d.Get(ctx, "v1_users")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &rec))
	assert.Nil(t, rec["ttl"])
	assert.Nil(t, rec["expiresAt"])
}

func TestStoreHydratesFromDurable(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	first, _, _ := newTestStore(t, d)
	first.Set(ctx, "lessonPlans_a", []plan{{ID: "1", Title: "Algebra"}}, time.Hour)

	second, _, _ := newTestStore(t, d)
	l, err := Get[[]plan](ctx, second, "lessonPlans_a", false)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, []plan{{ID: "1", Title: "Algebra"}}, l.Data)
	assert.Equal(t, 1, second.Stats(ctx).MemoryEntries)

	raw, err := Get[json.RawMessage](ctx, second, "lessonPlans_a", false)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1","title":"Algebra"}]`, string(raw.Data))
}

func TestStoreTypedGet(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil)
	s.Set(ctx, "users", []string{"ana"}, time.Minute)

	l, err := Get[[]string](ctx, s, "users", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ana"}, l.Data)

	_, err = Get[int](ctx, s, "users", false)
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	l, err = Get[[]string](ctx, s, "missing", false)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestStoreVersionNamespace(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	v1, _, _ := newTestStore(t, d)
	v1.Set(ctx, "classes", []string{"7B"}, time.Hour)

	v2, _, _ := newTestStore(t, d, WithVersion("v2"))
	_, ok := v2.Get(ctx, "classes", true)
	assert.False(t, ok)

	v2.Set(ctx, "classes", []string{"8C"}, time.Hour)
	v2.ClearAll(ctx)

	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1_classes"}, keys)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, _, _ := newTestStore(t, d)
	s.Set(ctx, "subjects", []string{"maths"}, time.Hour)

	s.Delete(ctx, "subjects")
	_, ok := s.Get(ctx, "subjects", true)
	assert.False(t, ok)
	_, found, err := d.Get(ctx, "v1_subjects")
	require.NoError(t, err)
	assert.False(t, found)

	s.Delete(ctx, "subjects")
}

func TestStoreDeletePattern(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, _, _ := newTestStore(t, d, WithMaxEntries(2))
	for _, key := range []string{"lessonPlans_a", "lessonPlans_b", "schemes_c"} {
		s.Set(ctx, key, key, time.Hour)
	}

	n := s.DeletePattern(ctx, regexp.MustCompile(`^lessonPlans_`))
	assert.Equal(t, 2, n)

	_, ok := s.Get(ctx, "lessonPlans_a", true)
	assert.False(t, ok)
	_, ok = s.Get(ctx, "lessonPlans_b", true)
	assert.False(t, ok)
	l, err := Get[string](ctx, s, "schemes_c", false)
	require.NoError(t, err)
	assert.Equal(t, "schemes_c", l.Data)

	assert.Zero(t, s.DeletePattern(ctx, regexp.MustCompile(`^LessonPlans_`)))
}

func TestStoreDeletePatternNofM(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil)
	for i := 0; i < 10; i++ {
		family := "schemes"
		if i%3 == 0 {
			family = "dailyReports"
		}
		s.Set(ctx, fmt.Sprintf("%s_%d", family, i), i, time.Hour)
	}

	assert.Equal(t, 4, s.DeletePattern(ctx, regexp.MustCompile(`^dailyReports_`)))
	keys := s.Stats(ctx).Keys
	assert.Len(t, keys, 6)
	for _, key := range keys {
		assert.True(t, strings.HasPrefix(key, "schemes_"))
		_, ok := s.Get(ctx, key, false)
		assert.True(t, ok)
	}
}

func TestStoreClearExpired(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, clock, _ := newTestStore(t, d)

	s.Set(ctx, "a", "short", time.Minute)
	s.Set(ctx, "b", "long", 10*time.Minute)
	s.Set(ctx, "c", "forever", NoExpiry)
	require.NoError(t, d.Set(ctx, "v1_d", []byte("{not json")))
	require.NoError(t, d.Set(ctx, "v0_e", []byte(`{"data":1,"timestamp":0,"ttl":1,"expiresAt":1}`)))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, s.ClearExpired(ctx))

	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v0_e", "v1_b", "v1_c"}, keys)
}

func TestStoreStartupSweep(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	require.NoError(t, d.Set(ctx, "v1_old", []byte(`{"data":1,"timestamp":0,"ttl":1,"expiresAt":1}`)))

	newTestStore(t, d, WithStartupSweep())
	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStoreClearAll(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, _, _ := newTestStore(t, d)
	s.Set(ctx, "users", 1, time.Hour)
	s.Set(ctx, "classes", 2, NoExpiry)

	s.ClearAll(ctx)
	for _, key := range []string{"users", "classes"} {
		_, ok := s.Get(ctx, key, true)
		assert.False(t, ok)
	}
	stats := s.Stats(ctx)
	assert.Zero(t, stats.MemoryEntries)
	assert.Zero(t, stats.DurableEntries)
}

func TestStoreQuotaRecovery(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable(WithQuota(300))
	s, clock, log := newTestStore(t, d)
	payload := strings.Repeat("x", 100)

	s.Set(ctx, "old", payload, time.Minute)
	clock.Advance(2 * time.Minute)

	s.Set(ctx, "new", payload, time.Hour)
	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1_new"}, keys, "expired entry swept to make room")

	s.Set(ctx, "third", payload, time.Hour)
	keys, err = d.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1_new"}, keys)
	assert.True(t, log.Contains("WARNING", "keeping third in memory only"))

	l, ok := s.Get(ctx, "third", false)
	require.True(t, ok)
	assert.Equal(t, payload, l.Data)
}

func TestStoreUnencodableValue(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, _, log := newTestStore(t, d)

	s.Set(ctx, "fn", func() {}, time.Minute)
	_, ok := s.Get(ctx, "fn", false)
	assert.True(t, ok)
	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.True(t, log.Contains("WARNING", "not persisting fn"))
}

func TestStoreCorruptEntry(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDurable()
	s, _, log := newTestStore(t, d)
	require.NoError(t, d.Set(ctx, "v1_bad", []byte("{not json")))
	require.NoError(t, d.Set(ctx, "v1_empty", []byte(`{"timestamp":1}`)))

	for _, key := range []string{"bad", "empty"} {
		_, ok := s.Get(ctx, key, true)
		assert.False(t, ok)
		_, found, err := d.Get(ctx, "v1_"+key)
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.True(t, log.Contains("WARNING", "discarding corrupt entry"))
}

func TestStoreMemoryBound(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil, WithMaxEntries(2))
	s.Set(ctx, "a", plan{ID: "a"}, time.Hour)
	s.Set(ctx, "b", plan{ID: "b"}, time.Hour)
	s.Set(ctx, "c", plan{ID: "c"}, time.Hour)

	stats := s.Stats(ctx)
	assert.Equal(t, 2, stats.MemoryEntries)
	assert.Equal(t, 3, stats.DurableEntries)
	assert.Equal(t, []string{"a", "b", "c"}, stats.Keys)

	l, err := Get[plan](ctx, s, "a", false)
	require.NoError(t, err)
	assert.Equal(t, plan{ID: "a"}, l.Data)
}

func TestStoreMaxEntriesInvalid(t *testing.T) {
	_, err := NewStore(context.Background(), nil, WithMaxEntries(0))
	assert.Error(t, err)
}

func TestStoreWriteBackGenerations(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil)

	token := s.hold()
	s.Delete(ctx, "users")
	_, ok := s.setIfCurrent(ctx, "users", 1, time.Minute, token)
	assert.False(t, ok, "write-back after delete is dropped")
	s.unhold(token)

	token = s.hold()
	s.Delete(ctx, "classes")
	_, ok = s.setIfCurrent(ctx, "users", 2, time.Minute, token)
	assert.True(t, ok, "unrelated invalidation does not drop the write")
	s.unhold(token)

	token = s.hold()
	s.ClearAll(ctx)
	_, ok = s.setIfCurrent(ctx, "users", 3, time.Minute, token)
	assert.False(t, ok)
	s.unhold(token)

	token = s.hold()
	s.Set(ctx, "users", 4, time.Minute)
	_, ok = s.setIfCurrent(ctx, "users", 5, time.Minute, token)
	assert.True(t, ok, "plain writes do not invalidate")
	s.unhold(token)
}

func TestStoreGenerationsForgottenWhenIdle(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil)

	for i := range 100 {
		s.Delete(ctx, fmt.Sprintf("lessonPlans_%d", i))
	}
	assert.Empty(t, s.keyGen, "no write-back in flight, nothing to remember")

	older := s.hold()
	s.Delete(ctx, "users")
	newer := s.hold()
	s.Delete(ctx, "classes")
	assert.Len(t, s.keyGen, 2)

	s.unhold(older)
	assert.Equal(t, map[string]uint64{"classes": s.seq}, s.keyGen, "bumps no live token predates are pruned")
	_, ok := s.setIfCurrent(ctx, "classes", 1, time.Minute, newer)
	assert.False(t, ok)

	s.unhold(newer)
	assert.Empty(t, s.keyGen)
	assert.Empty(t, s.outstanding)
}

func TestStorePendingRefreshReleasesToken(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil)

	assert.True(t, s.schedule("users", time.Hour, func(p *pendingRefresh) {}))
	s.Delete(ctx, "users")
	assert.Empty(t, s.outstanding, "cancelled timer gives its token back")

	done := make(chan struct{})
	assert.True(t, s.schedule("classes", time.Millisecond, func(p *pendingRefresh) {
		defer close(done)
		s.release("classes", p)
	}))
	<-done
	s.mutex.Lock()
	defer s.mutex.Unlock()
	assert.Empty(t, s.outstanding)
	assert.Empty(t, s.keyGen)
}

func TestStoreScheduleAndCancel(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, nil)

	fired := make(chan struct{}, 2)
	assert.True(t, s.schedule("users", time.Hour, func(p *pendingRefresh) { fired <- struct{}{} }))
	assert.False(t, s.schedule("users", 0, func(p *pendingRefresh) { fired <- struct{}{} }))
	assert.Equal(t, 1, s.pendingCount())

	s.Delete(ctx, "users")
	assert.Zero(t, s.pendingCount())

	assert.True(t, s.schedule("classes", time.Millisecond, func(p *pendingRefresh) {
		s.release("classes", p)
		fired <- struct{}{}
	}))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("refresh did not fire")
	}
	assert.Eventually(t, func() bool { return s.pendingCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, fired, 0)
}

type gatedDurable struct {
	Durable
	entered chan struct{}
	gate    chan struct{}
}

func (d *gatedDurable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	<-d.gate
	return d.Durable.Get(ctx, key)
}

func TestStoreSlowDurableReadDoesNotBlockMemory(t *testing.T) {
	ctx := context.Background()
	d := &gatedDurable{Durable: NewMemoryDurable(), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	s, _, _ := newTestStore(t, d)

	s.Set(ctx, "lessonPlans_a", "v1", time.Minute)

	missed := make(chan bool)
	go func() {
		_, ok := s.Get(ctx, "lessonPlans_b", false)
		missed <- ok
	}()
	<-d.entered

	hit := make(chan *Lookup[any])
	go func() {
		l, _ := s.Get(ctx, "lessonPlans_a", false)
		hit <- l
	}()
	select {
	case l := <-hit:
		assert.Equal(t, "v1", l.Data)
	case <-time.After(time.Second):
		t.Fatal("memory hit waited on durable read")
	}

	close(d.gate)
	assert.False(t, <-missed)
	assert.Equal(t, 1, s.Stats(ctx).DurableEntries)
}

func TestStoreDeleteDuringHydrateWins(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryDurable()
	seed, _, _ := newTestStore(t, inner)
	seed.Set(ctx, "lessonPlans_a", "v1", time.Hour)

	d := &gatedDurable{Durable: inner, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	s, _, _ := newTestStore(t, d)

	got := make(chan bool)
	go func() {
		_, ok := s.Get(ctx, "lessonPlans_a", false)
		got <- ok
	}()
	<-d.entered

	deleted := make(chan struct{})
	go func() {
		s.Delete(ctx, "lessonPlans_a")
		close(deleted)
	}()
	assert.Eventually(t, func() bool {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		return s.keyGen["lessonPlans_a"] > 0
	}, time.Second, 5*time.Millisecond)

	close(d.gate)
	assert.False(t, <-got, "value read before the delete is not cached")
	<-deleted
	assert.Zero(t, s.Stats(ctx).MemoryEntries)
	_, ok := s.Get(ctx, "lessonPlans_a", true)
	assert.False(t, ok)
}
