package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/pool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Reader is the read side of the flow store.
type Reader interface {
	GetAllFlows(db string) (map[flowcache.DPID][]flowcache.Record, error)
	GetFlows(db string, sw flowcache.DPID) ([]flowcache.Record, error)
	Switches(db string) ([]flowcache.DPID, error)
}

type Submitter interface {
	Submit(task pool.Task) (*pool.Handle, error)
}

// Refresher brings cached switch state up to date.
type Refresher interface {
	// RefreshAndWait returns once a reconciliation for sw that started after
	// the call has completed.
	RefreshAndWait(ctx context.Context, sw flowcache.DPID) error
	LastSynced(sw flowcache.DPID) (time.Time, bool)
	// Switches lists the switches currently known to the fleet.
	Switches() []flowcache.DPID
}

type Options struct {
	Store Reader
	Pool  Submitter
	// Refresher may be nil, in which case every refresh fails.
	Refresher  Refresher
	Policy     StalenessPolicy
	// MaxRefreshing caps queries waiting on switch refreshes at once. Queries
	// beyond it are rejected.
	MaxRefreshing int
	// RefreshParallelism caps concurrent switch waits within one query.
	RefreshParallelism int

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

type Engine struct {
	store     Reader
	pool      Submitter
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
	policy    atomic.Pointer[StalenessPolicy]
	metrics   metrics

	refreshing  *semaphore.Weighted
	parallelism int
}

const (
	DefaultMaxRefreshing      = 64
	DefaultRefreshParallelism = 16
)

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRefreshing <= 0 {
		opts.MaxRefreshing = DefaultMaxRefreshing
	}
	if opts.RefreshParallelism <= 0 {
		opts.RefreshParallelism = DefaultRefreshParallelism
	}
	e := &Engine{
		store:     opts.Store,
		pool:      opts.Pool,
		refresher: opts.Refresher,
		logger:    opts.Logger.With(slog.String("component", "query")),
		now:       opts.Now,
		metrics:   register(opts.Registerer),

		refreshing:  semaphore.NewWeighted(int64(opts.MaxRefreshing)),
		parallelism: opts.RefreshParallelism,
	}
	e.SetPolicy(opts.Policy)
	return e
}

// SetPolicy replaces the staleness policy for queries issued afterwards.
func (e *Engine) SetPolicy(p StalenessPolicy) {
	e.policy.Store(&p)
}

func (e *Engine) Policy() StalenessPolicy {
	return *e.policy.Load()
}

// Query validates q and schedules its evaluation. Malformed queries, unknown
// databases and a saturated pool are reported here; everything else is
// delivered through the returned Future.
func (e *Engine) Query(q Query) (*Future, error) {
	if q.Database == "" {
		q.Database = flowcache.DefaultDatabase
	}
	f, err := newFilter(q)
	if err != nil {
		e.metrics.queries.WithLabelValues("invalid").Inc()
		return nil, err
	}
	switches, err := e.store.Switches(q.Database)
	if err != nil {
		e.metrics.queries.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if q.Switch != 0 {
		switches = []flowcache.DPID{q.Switch}
	} else if e.refresher != nil {
		switches = union(switches, e.refresher.Switches())
	}

	issued := e.now()
	future := newFuture(uuid.New(), q.Callback)
	policy := e.Policy()
	stale := e.needsRefresh(q, policy, switches, issued)
	logger := e.logger.With(slog.String("query", future.ID().String()), slog.String("database", q.Database))

	if len(stale) == 0 {
		if _, err := e.pool.Submit(e.evaluate(future, f, issued, nil)); err != nil {
			e.metrics.queries.WithLabelValues("rejected").Inc()
			return nil, err
		}
		return future, nil
	}

	if !e.refreshing.TryAcquire(1) {
		e.metrics.queries.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: too many queries waiting on switch refreshes", flowcache.ErrRejected)
	}
	logger.Debug("refreshing switches before evaluation", slog.Int("switches", len(stale)))
	go func() {
		defer e.refreshing.Release(1)
		failed := e.refresh(stale, policy.refreshTimeout())
		if len(failed) > 0 && !q.AllowStale {
			e.finish(future, issued, Response{
				Database:    q.Database,
				Application: q.Application,
				Stale:       failed,
				Err:         fmt.Errorf("%w: %d switches did not answer refresh: %v", flowcache.ErrTimeout, len(failed), failed),
			})
			return
		}
		if _, err := e.pool.Submit(e.evaluate(future, f, issued, failed)); err != nil {
			logger.Error("query evaluation rejected after refresh", slog.Any("error", err))
			e.finish(future, issued, Response{Database: q.Database, Application: q.Application, Err: err})
		}
	}()
	return future, nil
}

func (e *Engine) needsRefresh(q Query, policy StalenessPolicy, switches []flowcache.DPID, now time.Time) []flowcache.DPID {
	if q.Refresh {
		return switches
	}
	if policy.MaxAge <= 0 || e.refresher == nil {
		return nil
	}
	var stale []flowcache.DPID
	for _, sw := range switches {
		last, ok := e.refresher.LastSynced(sw)
		if !ok || now.Sub(last) > policy.MaxAge {
			stale = append(stale, sw)
		}
	}
	return stale
}

// refresh waits concurrently for every switch and returns the ones that did
// not complete within timeout.
func (e *Engine) refresh(switches []flowcache.DPID, timeout time.Duration) []flowcache.DPID {
	if e.refresher == nil {
		return switches
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		failed []flowcache.DPID
	)
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for _, sw := range switches {
		sw := sw
		g.Go(func() error {
			if err := e.refresher.RefreshAndWait(ctx, sw); err != nil {
				e.metrics.refreshWaits.WithLabelValues("failed").Inc()
				e.logger.Debug("switch refresh failed", slog.String("switch", sw.String()), slog.Any("error", err))
				mu.Lock()
				failed = append(failed, sw)
				mu.Unlock()
				return nil
			}
			e.metrics.refreshWaits.WithLabelValues("ok").Inc()
			return nil
		})
	}
	g.Wait()
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

func (e *Engine) evaluate(future *Future, f filter, issued time.Time, stale []flowcache.DPID) pool.Task {
	return func(ctx context.Context) error {
		resp := Response{
			Database:    f.q.Database,
			Application: f.q.Application,
			Stale:       stale,
		}
		resp.Records, resp.Err = e.collect(f)
		e.finish(future, issued, resp)
		return resp.Err
	}
}

func (e *Engine) collect(f filter) ([]flowcache.Record, error) {
	var bySwitch map[flowcache.DPID][]flowcache.Record
	if f.q.Switch != 0 {
		records, err := e.store.GetFlows(f.q.Database, f.q.Switch)
		if err != nil {
			return nil, err
		}
		bySwitch = map[flowcache.DPID][]flowcache.Record{f.q.Switch: records}
	} else {
		all, err := e.store.GetAllFlows(f.q.Database)
		if err != nil {
			return nil, err
		}
		bySwitch = all
	}
	switches := make([]flowcache.DPID, 0, len(bySwitch))
	for sw := range bySwitch {
		switches = append(switches, sw)
	}
	sort.Slice(switches, func(i, j int) bool { return switches[i] < switches[j] })

	now := e.now()
	out := []flowcache.Record{}
	for _, sw := range switches {
		for _, r := range bySwitch[sw] {
			ok, err := f.matches(r, now)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (e *Engine) finish(future *Future, issued time.Time, resp Response) {
	resp.EvaluatedAt = e.now()
	if !future.complete(resp) {
		return
	}
	e.metrics.queryTime.Observe(resp.EvaluatedAt.Sub(issued).Seconds())
	switch {
	case resp.Err == nil:
		e.metrics.queries.WithLabelValues("ok").Inc()
		e.metrics.recordsMatched.Add(float64(len(resp.Records)))
	case errors.Is(resp.Err, flowcache.ErrTimeout):
		e.metrics.queries.WithLabelValues("timeout").Inc()
	default:
		e.metrics.queries.WithLabelValues("error").Inc()
	}
}

func union(a, b []flowcache.DPID) []flowcache.DPID {
	seen := make(map[flowcache.DPID]bool, len(a)+len(b))
	var out []flowcache.DPID
	for _, list := range [][]flowcache.DPID{a, b} {
		for _, sw := range list {
			if !seen[sw] {
				seen[sw] = true
				out = append(out, sw)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
