package switchlink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/synchronizer"
	"github.com/skupperproject/flowcache/pkg/switchlink/session"
	"golang.org/x/sync/errgroup"
)

type RegistryOptions struct {
	BeaconAddress string
	// Timeout is how long a switch may stay silent before it is forgotten.
	// Zero keeps switches forever.
	Timeout time.Duration
	Logger  *slog.Logger
}

type RegistryHandlers struct {
	Discovered func(info synchronizer.SwitchInfo)
	Forgotten  func(info synchronizer.SwitchInfo)
}

// Registry tracks the switches that announce themselves with beacons, plus
// any added statically.
type Registry struct {
	container session.Container
	address   string
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	switches map[flowcache.DPID]synchronizer.SwitchInfo
	static   map[flowcache.DPID]bool
	handlers RegistryHandlers
}

func NewRegistry(container session.Container, opts RegistryOptions) *Registry {
	if opts.BeaconAddress == "" {
		opts.BeaconAddress = BeaconAddress
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		container: container,
		address:   opts.BeaconAddress,
		timeout:   opts.Timeout,
		logger:    opts.Logger.With(slog.String("component", "switchlink.registry")),
		now:       time.Now,
		switches:  make(map[flowcache.DPID]synchronizer.SwitchInfo),
		static:    make(map[flowcache.DPID]bool),
	}
}

// Run listens for beacons and expires silent switches until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context, handlers RegistryHandlers) error {
	r.mu.Lock()
	r.handlers = handlers
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(r.runBeacons(ctx))
	if r.timeout > 0 {
		g.Go(r.runExpiry(ctx))
	}
	return g.Wait()
}

func (r *Registry) runBeacons(ctx context.Context) func() error {
	return func() error {
		receiver := r.container.NewReceiver(r.address, session.ReceiverOptions{})
		defer receiver.Close(context.Background())
		for {
			msg, err := receiver.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("registry error receiving beacon messages: %w", err)
			}
			if err := receiver.Accept(ctx, msg); err != nil {
				r.logger.Error("registry got error accepting message", slog.Any("error", err))
			}
			beacon, err := DecodeBeacon(msg)
			if err != nil {
				r.logger.Info("ignoring message on beacon address", slog.Any("error", err))
				continue
			}
			r.observe(beacon)
		}
	}
}

func (r *Registry) runExpiry(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(r.timeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.expire()
			}
		}
	}
}

func (r *Registry) expire() {
	cutoff := r.now().Add(-r.timeout)
	var silent []flowcache.DPID
	r.mu.Lock()
	for id, info := range r.switches {
		if !r.static[id] && info.LastSeen.Before(cutoff) {
			silent = append(silent, id)
		}
	}
	r.mu.Unlock()
	for _, id := range silent {
		r.logger.Info("forgetting silent switch", slog.String("switch", id.String()))
		r.Forget(id)
	}
}

func (r *Registry) observe(beacon BeaconMessage) {
	r.mu.Lock()
	info, known := r.switches[beacon.DPID]
	info.ID = beacon.DPID
	info.Address = beacon.Direct
	info.Version = fmt.Sprint(beacon.Version)
	info.LastSeen = r.now()
	r.switches[beacon.DPID] = info
	discovered := r.handlers.Discovered
	r.mu.Unlock()

	if !known {
		r.logger.Info("discovered switch",
			slog.String("switch", info.ID.String()),
			slog.String("address", info.Address),
		)
		if discovered != nil {
			discovered(info)
		}
	}
}

// Switch returns what is known about id.
func (r *Registry) Switch(id flowcache.DPID) (synchronizer.SwitchInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.switches[id]
	return info, ok
}

func (r *Registry) SwitchIDs() []flowcache.DPID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]flowcache.DPID, 0, len(r.switches))
	for id := range r.switches {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) List() []synchronizer.SwitchInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]synchronizer.SwitchInfo, 0, len(r.switches))
	for _, info := range r.switches {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add registers a switch that does not send beacons. Static switches are
// never forgotten for being silent.
func (r *Registry) Add(info synchronizer.SwitchInfo) bool {
	if info.ID.Validate() != nil {
		return false
	}
	r.mu.Lock()
	_, exists := r.switches[info.ID]
	if info.LastSeen.IsZero() {
		info.LastSeen = r.now()
	}
	r.switches[info.ID] = info
	r.static[info.ID] = true
	discovered := r.handlers.Discovered
	r.mu.Unlock()
	if !exists && discovered != nil {
		discovered(info)
	}
	return !exists
}

func (r *Registry) Forget(id flowcache.DPID) bool {
	r.mu.Lock()
	info, ok := r.switches[id]
	delete(r.switches, id)
	delete(r.static, id)
	forgotten := r.handlers.Forgotten
	r.mu.Unlock()
	if ok && forgotten != nil {
		forgotten(info)
	}
	return ok
}
