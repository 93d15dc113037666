// Package invalidation maps domain write events to the cache keys they make
// stale.
//
// Each named group holds matchers compiled at registration. Invalidating a
// group deletes every stored key any of its matchers selects, across both
// tiers of the store:
//
//	reg := invalidation.NewDefault(store)
//	n, err := reg.Invalidate(ctx, invalidation.LessonPlans, "teacher@example.com")
package invalidation

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/cache"
	"github.com/lessonkit/datacache/logger"
)

// Entity families used by NewDefault.
const (
	Schemes      = "schemes"
	LessonPlans  = "lessonPlans"
	DailyReports = "dailyReports"
	Users        = "users"
	Classes      = "classes"
	Subjects     = "subjects"
)

var (
	// ErrUnknownGroup is returned when invalidating a group that was never registered.
	ErrUnknownGroup = errors.New("invalidation: unknown group")
	// ErrDuplicateGroup is returned when registering a name twice.
	ErrDuplicateGroup = errors.New("invalidation: group already registered")
)

type group struct {
	// family, when set, is narrowed by a discriminator.
	family     string
	dependents []Matcher
	matchers   []Matcher
}

func (g *group) matcher(discriminator string) (Matcher, error) {
	if discriminator == "" {
		return anyMatcher(g.matchers), nil
	}
	if g.family == "" {
		return nil, errors.New("invalidation: group does not take a discriminator")
	}
	return anyMatcher(append([]Matcher{Family(g.family + "_" + discriminator)}, g.dependents...)), nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry holds named invalidation groups for one store.
type Registry struct {
	store  *cache.Store
	logger logger.Logger
	mutex  sync.RWMutex
	groups map[string]*group
}

// New returns an empty Registry over store.
func New(store *cache.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		groups: make(map[string]*group),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	r.logger = r.logger.With(map[string]interface{}{"component": "invalidation"})
	return r
}

// NewDefault returns a Registry with a group per entity family. Changing a
// scheme invalidates its lesson plans and the daily reports built from them;
// changing a lesson plan invalidates daily reports.
func NewDefault(store *cache.Store, opts ...Option) *Registry {
	r := New(store, opts...)
	for _, preset := range []struct {
		family     string
		dependents []string
	}{
		{Schemes, []string{LessonPlans, DailyReports}},
		{LessonPlans, []string{DailyReports}},
		{DailyReports, nil},
		{Users, nil},
		{Classes, nil},
		{Subjects, nil},
	} {
		if err := r.RegisterFamily(preset.family, preset.family, preset.dependents...); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a group that deletes every key matched by any of matchers.
func (r *Registry) Register(name string, matchers ...Matcher) error {
	if len(matchers) == 0 {
		return errors.Newf("invalidation: group %q has no matchers", name)
	}
	return r.add(name, &group{matchers: matchers})
}

// RegisterFamily adds a group for an entity family and the families derived
// from it. Without a discriminator it deletes the whole family; with one it
// deletes only "<family>_<discriminator>" keys plus every dependent family.
func (r *Registry) RegisterFamily(name, family string, dependents ...string) error {
	g := &group{family: family, matchers: []Matcher{Family(family)}}
	for _, dep := range dependents {
		g.dependents = append(g.dependents, Family(dep))
	}
	g.matchers = append(g.matchers, g.dependents...)
	return r.add(name, g)
}

func (r *Registry) add(name string, g *group) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.groups[name]; ok {
		return errors.Wrapf(ErrDuplicateGroup, "%q", name)
	}
	r.groups[name] = g
	return nil
}

// Groups lists the registered group names.
func (r *Registry) Groups() []string {
	r.mutex.RLock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	r.mutex.RUnlock()
	sort.Strings(names)
	return names
}

// Invalidate deletes the keys of the named group and returns how many were
// removed. An optional discriminator narrows a family group to one entity.
// Invalidating when nothing matches returns zero.
func (r *Registry) Invalidate(ctx context.Context, name string, discriminator ...string) (int, error) {
	r.mutex.RLock()
	g, ok := r.groups[name]
	r.mutex.RUnlock()
	if !ok {
		return 0, errors.Wrapf(ErrUnknownGroup, "%q", name)
	}
	var disc string
	if len(discriminator) > 0 {
		disc = discriminator[0]
	}
	m, err := g.matcher(disc)
	if err != nil {
		return 0, errors.Wrapf(err, "%q", name)
	}
	n := r.store.DeletePattern(ctx, m)
	r.logger.Debug("invalidated %d keys for %s (%s)", n, name, m)
	return n, nil
}

// InvalidateAll clears the whole cache. It is meant for the end of a session.
func (r *Registry) InvalidateAll(ctx context.Context) {
	r.store.ClearAll(ctx)
	r.logger.Debug("cleared all keys")
}

// invalidateLogged is Invalidate for the per-family helpers: an error, such as
// the group missing from a Registry built with New, is logged and counts as
// zero keys removed.
func (r *Registry) invalidateLogged(ctx context.Context, name string, discriminator []string) int {
	n, err := r.Invalidate(ctx, name, discriminator...)
	if err != nil {
		r.logger.Warn("invalidate %s: %s", name, err)
	}
	return n
}

// Schemes invalidates schemes and everything derived from them.
func (r *Registry) Schemes(ctx context.Context, id ...string) int {
	return r.invalidateLogged(ctx, Schemes, id)
}

// LessonPlans invalidates lesson plans and daily reports.
func (r *Registry) LessonPlans(ctx context.Context, id ...string) int {
	return r.invalidateLogged(ctx, LessonPlans, id)
}

// DailyReports invalidates daily reports.
func (r *Registry) DailyReports(ctx context.Context, id ...string) int {
	return r.invalidateLogged(ctx, DailyReports, id)
}

// Users invalidates the user list.
func (r *Registry) Users(ctx context.Context, id ...string) int {
	return r.invalidateLogged(ctx, Users, id)
}

// Classes invalidates the class list.
func (r *Registry) Classes(ctx context.Context, id ...string) int {
	return r.invalidateLogged(ctx, Classes, id)
}

// Subjects invalidates the subject list.
func (r *Registry) Subjects(ctx context.Context, id ...string) int {
	return r.invalidateLogged(ctx, Subjects, id)
}
