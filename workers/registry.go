package workers

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/httpl-go/dispatch"
	"github.com/ggoodman/httpl-go/internal/telemetry"
	"github.com/ggoodman/httpl-go/message"
)

// DefaultScheme is the URL scheme that addresses worker units.
const DefaultScheme = "httpl"

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLoader sets where sources come from.
func WithLoader(l Loader) Option {
	return func(r *Registry) { r.loader = l }
}

// WithSpawner sets how units are started.
func WithSpawner(s Spawner) Option {
	return func(r *Registry) { r.spawner = s }
}

// WithBase sets the URL relative identities resolve against.
func WithBase(u *url.URL) Option {
	return func(r *Registry) { r.base = u }
}

// WithScheme changes the URL scheme that addresses workers.
func WithScheme(s string) Option {
	return func(r *Registry) { r.scheme = strings.ToLower(s) }
}

// WithMaxActive caps the number of live bridges. When the cap is reached
// the least recently used idle temporary bridge is evicted. Zero disables
// the cap.
func WithMaxActive(n int) Option {
	return func(r *Registry) { r.maxActive = n }
}

// WithReadyTimeout bounds how long a unit may take to report ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(r *Registry) { r.readyTimeout = d }
}

// WithLoadableSuffixes sets the path suffixes that mark a URL segment as a
// worker source.
func WithLoadableSuffixes(suffixes ...string) Option {
	return func(r *Registry) { r.suffixes = suffixes }
}

// Registry owns the live worker bridges, keyed by identity.
type Registry struct {
	host         Host
	loader       Loader
	spawner      Spawner
	base         *url.URL
	scheme       string
	maxActive    int
	readyTimeout time.Duration
	suffixes     []string
	log          *slog.Logger
	metrics      *telemetry.Metrics

	mu      sync.Mutex
	bridges map[string]*Bridge
	closed  bool
	watcher *fsnotify.Watcher
}

// NewRegistry builds a registry whose units dispatch their own requests
// through host.
func NewRegistry(host Host, opts ...Option) *Registry {
	r := &Registry{
		host:         host,
		scheme:       DefaultScheme,
		readyTimeout: 30 * time.Second,
		suffixes:     []string{".js", ".py", ".php", ".sh"},
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		bridges:      make(map[string]*Bridge),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loader == nil {
		r.loader = Loaders{NewHTTPLoader(nil)}
	}
	if r.spawner == nil {
		r.spawner = &ProcessSpawner{Log: r.log}
	}
	return r
}

// Spawn starts a persistent bridge for raw, or returns the live one.
func (r *Registry) Spawn(raw string) (*Bridge, error) {
	id, err := ParseIdentity(raw, r.base)
	if err != nil {
		return nil, err
	}
	return r.spawn(id, false)
}

// SpawnTemp starts a temporary bridge for raw, or returns the live one.
// Temporary bridges are eligible for eviction.
func (r *Registry) SpawnTemp(raw string) (*Bridge, error) {
	id, err := ParseIdentity(raw, r.base)
	if err != nil {
		return nil, err
	}
	return r.spawn(id, true)
}

func (r *Registry) spawn(id Identity, temp bool) (*Bridge, error) {
	key := id.String()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("worker registry closed")
	}
	if b, ok := r.bridges[key]; ok {
		r.mu.Unlock()
		return b, nil
	}
	victim := r.evictionCandidateLocked()
	b := newBridge(id, temp, r.host, r.log)
	b.onTerminate = r.forget
	r.bridges[key] = b
	r.mu.Unlock()

	if victim != nil {
		r.log.InfoContext(victim.ctx, "worker.evict", slog.String("for", key))
		r.metrics.WorkerEvicted()
		victim.Terminate(StatusTerminated, "Worker Evicted")
	}

	r.metrics.WorkerSpawned(temp)
	b.start(r.loader, r.spawner, r.readyTimeout, r.watchSource)
	return b, nil
}

// evictionCandidateLocked picks the least recently used temporary bridge
// with nothing in flight, once the registry is at capacity.
func (r *Registry) evictionCandidateLocked() *Bridge {
	if r.maxActive <= 0 || len(r.bridges) < r.maxActive {
		return nil
	}
	var victim *Bridge
	var oldest time.Time
	for _, b := range r.bridges {
		if !b.Temporary() || b.InTransaction() {
			continue
		}
		used := b.LastUsed()
		if victim == nil || used.Before(oldest) {
			victim, oldest = b, used
		}
	}
	return victim
}

func (r *Registry) forget(b *Bridge, status int) {
	r.mu.Lock()
	if cur, ok := r.bridges[b.id.String()]; ok && cur == b {
		delete(r.bridges, b.id.String())
	}
	r.mu.Unlock()
	r.metrics.WorkerTerminated(status)
}

// Lookup returns the live bridge for raw.
func (r *Registry) Lookup(raw string) (*Bridge, bool) {
	id, err := ParseIdentity(raw, r.base)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bridges[id.String()]
	return b, ok
}

// Get returns a handler for the worker named by raw. A live bridge is used
// when there is one; otherwise a loadable identity spawns a temporary
// bridge. Anything else yields a handler that fails with status 0.
func (r *Registry) Get(raw string) dispatch.Handler {
	id, err := ParseIdentity(raw, r.base)
	if err != nil {
		return failure(err.Error())
	}
	r.mu.Lock()
	b, ok := r.bridges[id.String()]
	r.mu.Unlock()
	if ok {
		return b
	}
	if !r.loadable(id.Path) {
		return failure("not a loadable worker: " + id.String())
	}
	b, err = r.spawn(id, true)
	if err != nil {
		return failure(err.Error())
	}
	return b
}

// Terminate stops the bridge for raw. It reports false when none is live.
func (r *Registry) Terminate(raw string, status int, reason string) bool {
	b, ok := r.Lookup(raw)
	if !ok {
		return false
	}
	b.Terminate(status, reason)
	return true
}

// Active lists the identities of live bridges, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bridges))
	for k := range r.bridges {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close terminates every bridge and refuses further spawns.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	bridges := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.Unlock()

	for _, b := range bridges {
		b.Terminate(StatusTerminated, "Worker Terminated")
	}
}

func (r *Registry) loadable(p string) bool {
	for _, s := range r.suffixes {
		if strings.HasSuffix(p, s) {
			return true
		}
	}
	return false
}

// ResolveWorker implements dispatch.WorkerResolver. Requests whose scheme
// is the registry's are addressed as scheme://authority/path/to/unit.js/rest:
// the identity ends at the first loadable segment and the rest becomes the
// path the unit sees. For any scheme, a live bridge whose identity prefixes
// the request's authority and path takes the request.
func (r *Registry) ResolveWorker(req *message.Request) (dispatch.Handler, bool) {
	full := strings.ToLower(req.Host) + req.Path

	if b, prefix, ok := r.longestLive(full); ok {
		return prefixed{b: b, prefix: prefix}, true
	}
	if req.Scheme != r.scheme {
		return nil, false
	}

	segs := strings.Split(strings.TrimPrefix(req.Path, "/"), "/")
	for i, seg := range segs {
		if !r.loadable(seg) {
			continue
		}
		idPath := "/" + strings.Join(segs[:i+1], "/")
		id := Identity{Authority: strings.ToLower(req.Host), Path: idPath}
		b, err := r.spawn(id, true)
		if err != nil {
			return failure(err.Error()), true
		}
		return prefixed{b: b, prefix: idPath}, true
	}
	return failure("no worker at " + req.FullURL()), true
}

func (r *Registry) longestLive(full string) (*Bridge, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Bridge
	for key, b := range r.bridges {
		if full != key && !strings.HasPrefix(full, key+"/") {
			continue
		}
		if best == nil || len(key) > len(best.id.String()) {
			best = b
		}
	}
	if best == nil {
		return nil, "", false
	}
	return best, best.id.Path, true
}
