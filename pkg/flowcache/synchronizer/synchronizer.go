// Package synchronizer keeps the flow store in line with what switches
// report. It issues flow table refresh requests, coalescing concurrent
// requests per switch, and reconciles every inbound report into each
// database that holds state for the reporting switch.
package synchronizer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/pool"
	"github.com/skupperproject/flowcache/pkg/flowcache/store"
)

type SwitchInfo struct {
	ID       flowcache.DPID `json:"id"`
	Address  string         `json:"address,omitempty"`
	Version  string         `json:"version,omitempty"`
	LastSeen time.Time      `json:"lastSeen"`
}

// Registry knows which switches exist.
type Registry interface {
	Switch(id flowcache.DPID) (SwitchInfo, bool)
	SwitchIDs() []flowcache.DPID
}

// Communicator delivers refresh requests to switches. A successful return
// only means the request was sent; the table arrives later through
// HandleFlowTable.
type Communicator interface {
	RequestFlowTableRefresh(ctx context.Context, sw flowcache.DPID) error
}

// Store is the subset of the flow store reconciliation needs.
type Store interface {
	DatabasesWithSwitch(sw flowcache.DPID) []string
	Reconcile(db string, sw flowcache.DPID, reported []flowcache.Reported, opts store.ReconcileOptions) (store.ReconcileResult, error)
	MarkRemoved(sw flowcache.DPID, key flowcache.Key) int
	Purge(before time.Time) int
}

type Submitter interface {
	Submit(task pool.Task) (*pool.Handle, error)
}

type Options struct {
	Store        Store
	Pool         Submitter
	Registry     Registry
	Communicator Communicator
	Logger       *slog.Logger
	Registerer   prometheus.Registerer

	// RefreshTimeout bounds a single refresh request. A refresh outstanding
	// for longer is forgotten so that the next request is sent again.
	RefreshTimeout time.Duration
	// RemovedGracePeriod is how long REMOVED records stay visible.
	RemovedGracePeriod time.Duration
	// PurgeInterval is how often Run purges and expires state.
	PurgeInterval time.Duration
	Now           func() time.Time
}

type Synchronizer struct {
	store        Store
	pool         Submitter
	registry     Registry
	communicator Communicator
	logger       *slog.Logger
	now          func() time.Time

	refreshTimeout time.Duration
	gracePeriod    time.Duration
	purgeInterval  time.Duration

	mu       sync.Mutex
	switches map[flowcache.DPID]*switchState

	metrics metrics
}

type switchState struct {
	outstanding bool
	requestedAt time.Time

	// received numbers the reports handed in; applied holds the number of
	// the last one reconciled. Reconciliations for one switch are serialized
	// and a queued report is only ever replaced by a newer one, so applied
	// never decreases.
	received uint64
	applied  uint64
	changed  chan struct{}
	synced   time.Time

	pending    []flowcache.Reported
	pendingSeq uint64
	hasPending bool
	scheduled  bool
}

func New(opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	if opts.RemovedGracePeriod <= 0 {
		opts.RemovedGracePeriod = time.Minute
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = opts.RemovedGracePeriod / 2
	}
	return &Synchronizer{
		store:          opts.Store,
		pool:           opts.Pool,
		registry:       opts.Registry,
		communicator:   opts.Communicator,
		logger:         opts.Logger.With(slog.String("component", "synchronizer")),
		now:            opts.Now,
		refreshTimeout: opts.RefreshTimeout,
		gracePeriod:    opts.RemovedGracePeriod,
		purgeInterval:  opts.PurgeInterval,
		switches:       make(map[flowcache.DPID]*switchState),
		metrics:        register(opts.Registerer),
	}
}

// state returns the tracking state for sw. Callers hold s.mu.
func (s *Synchronizer) state(sw flowcache.DPID) *switchState {
	st, ok := s.switches[sw]
	if !ok {
		st = &switchState{changed: make(chan struct{})}
		s.switches[sw] = st
	}
	return st
}

// RefreshSwitch asks sw for its flow table without waiting for the answer.
// A request is only sent when none is outstanding for the switch. A request
// unanswered for longer than the refresh timeout no longer counts as
// outstanding.
func (s *Synchronizer) RefreshSwitch(sw flowcache.DPID) error {
	if err := sw.Validate(); err != nil {
		return err
	}
	if s.registry != nil {
		if _, ok := s.registry.Switch(sw); !ok {
			return fmt.Errorf("%w: %s", flowcache.ErrUnknownSwitch, sw)
		}
	}
	s.mu.Lock()
	st := s.state(sw)
	now := s.now()
	if st.outstanding {
		if now.Sub(st.requestedAt) <= s.refreshTimeout {
			s.mu.Unlock()
			s.metrics.refreshRequests.WithLabelValues("coalesced").Inc()
			return nil
		}
		s.metrics.refreshRequests.WithLabelValues("expired").Inc()
		s.logger.Info("refresh request expired without a report, sending again", slog.String("switch", sw.String()))
	}
	st.outstanding = true
	st.requestedAt = now
	s.mu.Unlock()

	go s.sendRefresh(sw)
	return nil
}

func (s *Synchronizer) sendRefresh(sw flowcache.DPID) {
	if s.communicator == nil {
		s.clearOutstanding(sw)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
	defer cancel()
	if err := s.communicator.RequestFlowTableRefresh(ctx, sw); err != nil {
		s.metrics.refreshRequests.WithLabelValues("failed").Inc()
		s.logger.Error("flow table refresh request failed",
			slog.String("switch", sw.String()),
			slog.Any("error", err),
		)
		s.clearOutstanding(sw)
		return
	}
	s.metrics.refreshRequests.WithLabelValues("sent").Inc()
}

func (s *Synchronizer) clearOutstanding(sw flowcache.DPID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sw).outstanding = false
}

// RefreshAllSwitches requests a refresh from every registered switch.
func (s *Synchronizer) RefreshAllSwitches() {
	for _, sw := range s.Switches() {
		if err := s.RefreshSwitch(sw); err != nil {
			s.logger.Debug("skipping refresh", slog.String("switch", sw.String()), slog.Any("error", err))
		}
	}
}

// RefreshAndWait requests a refresh from sw and blocks until a report
// received after the call has been reconciled. When ctx ends first the error
// wraps flowcache.ErrTimeout.
func (s *Synchronizer) RefreshAndWait(ctx context.Context, sw flowcache.DPID) error {
	if err := sw.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	target := s.state(sw).received + 1
	s.mu.Unlock()

	if err := s.RefreshSwitch(sw); err != nil {
		return err
	}
	for {
		s.mu.Lock()
		st := s.state(sw)
		if st.applied >= target {
			s.mu.Unlock()
			return nil
		}
		changed := st.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: switch %s did not report its flow table: %s", flowcache.ErrTimeout, sw, ctx.Err())
		}
	}
}

// LastSynced returns when sw was last reconciled.
func (s *Synchronizer) LastSynced(sw flowcache.DPID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.switches[sw]
	if !ok || st.synced.IsZero() {
		return time.Time{}, false
	}
	return st.synced, true
}

// Switches lists the registered switches.
func (s *Synchronizer) Switches() []flowcache.DPID {
	if s.registry == nil {
		return nil
	}
	ids := s.registry.SwitchIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HandleFlowTable accepts a complete flow table reported by sw. The report
// is reconciled on the worker pool. Reports for the same switch are applied
// one at a time and a report that arrives while another is still queued
// replaces it.
func (s *Synchronizer) HandleFlowTable(sw flowcache.DPID, flows []flowcache.Reported) error {
	if err := sw.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sw)
	if st.hasPending {
		s.metrics.reports.WithLabelValues("superseded").Inc()
	}
	st.received++
	st.pending = flows
	st.pendingSeq = st.received
	st.hasPending = true
	if st.scheduled {
		return nil
	}
	if _, err := s.pool.Submit(s.reconcileTask(sw)); err != nil {
		st.pending = nil
		st.hasPending = false
		s.metrics.reports.WithLabelValues("rejected").Inc()
		s.logger.Error("dropping flow table report",
			slog.String("switch", sw.String()),
			slog.Int("flows", len(flows)),
			slog.Any("error", err),
		)
		return err
	}
	st.scheduled = true
	return nil
}

func (s *Synchronizer) reconcileTask(sw flowcache.DPID) pool.Task {
	return func(ctx context.Context) error {
		for {
			s.mu.Lock()
			st := s.state(sw)
			if !st.hasPending {
				st.scheduled = false
				s.mu.Unlock()
				return nil
			}
			flows, seq := st.pending, st.pendingSeq
			st.pending = nil
			st.hasPending = false
			s.mu.Unlock()

			s.reconcile(sw, flows)

			s.mu.Lock()
			st.applied = seq
			st.synced = s.now()
			st.outstanding = false
			close(st.changed)
			st.changed = make(chan struct{})
			s.mu.Unlock()
		}
	}
}

func (s *Synchronizer) reconcile(sw flowcache.DPID, flows []flowcache.Reported) {
	start := time.Now()
	dbs := s.store.DatabasesWithSwitch(sw)
	if !contains(dbs, flowcache.DefaultDatabase) {
		dbs = append(dbs, flowcache.DefaultDatabase)
	}
	for _, db := range dbs {
		result, err := s.store.Reconcile(db, sw, flows, store.ReconcileOptions{
			AddMissing: db == flowcache.DefaultDatabase,
		})
		if err != nil {
			s.logger.Error("reconciliation failed",
				slog.String("switch", sw.String()),
				slog.String("database", db),
				slog.Any("error", err),
			)
			continue
		}
		s.metrics.reconciled.WithLabelValues("confirmed").Add(float64(result.Confirmed))
		s.metrics.reconciled.WithLabelValues("removed").Add(float64(result.Removed))
		s.metrics.reconciled.WithLabelValues("added").Add(float64(result.Added))
		if result.Removed > 0 || result.Added > 0 {
			s.logger.Debug("reconciled flow table",
				slog.String("switch", sw.String()),
				slog.String("database", db),
				slog.Int("confirmed", result.Confirmed),
				slog.Int("removed", result.Removed),
				slog.Int("added", result.Added),
			)
		}
	}
	s.metrics.reports.WithLabelValues("reconciled").Inc()
	s.metrics.reconcileTime.Observe(time.Since(start).Seconds())
}

// HandleFlowRemoved marks a flow the switch reports as removed REMOVED in
// every database.
func (s *Synchronizer) HandleFlowRemoved(sw flowcache.DPID, cookie uint64, priority uint16, match flowcache.Match) (int, error) {
	if err := sw.Validate(); err != nil {
		return 0, err
	}
	n := s.store.MarkRemoved(sw, flowcache.NewKey(cookie, priority, match))
	s.metrics.reconciled.WithLabelValues("removed").Add(float64(n))
	return n, nil
}

// Run purges expired REMOVED records and forgets refresh requests that went
// unanswered until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("synchronizer shutdown complete")
			return nil
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Synchronizer) expire() {
	now := s.now()
	if n := s.store.Purge(now.Add(-s.gracePeriod)); n > 0 {
		s.metrics.purged.Add(float64(n))
		s.logger.Debug("purged removed flows", slog.Int("count", n))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sw, st := range s.switches {
		if st.outstanding && now.Sub(st.requestedAt) > s.refreshTimeout {
			st.outstanding = false
			s.metrics.refreshRequests.WithLabelValues("expired").Inc()
			s.logger.Info("refresh request expired without a report", slog.String("switch", sw.String()))
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
