package switchlink

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/switchlink/session"
)

type AgentConfig struct {
	DPID    flowcache.DPID
	Version uint32
	// Direct is the address the agent receives flow table requests on.
	Direct string
	// BeaconInterval defaults to 10 seconds.
	BeaconInterval time.Duration
	// RequestDelay is how long the agent collects further requests after
	// the first before answering them all with one report.
	RequestDelay time.Duration
	Logger       *slog.Logger
}

// Agent plays the switch side of the link. It holds a flow table, announces
// itself with beacons and answers flow table requests. It backs the demo
// switches of the flow-cache daemon and the link tests.
type Agent struct {
	AgentConfig
	container session.Container
	logger    *slog.Logger

	mu      sync.Mutex
	table   map[flowcache.Key]flowcache.Reported
	notify  map[string]struct{}
	silent  bool
	removed chan FlowRemovedMessage

	requests chan string
}

func NewAgent(container session.Container, cfg AgentConfig) *Agent {
	if cfg.Direct == "" {
		cfg.Direct = "flowcache.switch." + cfg.DPID.String()
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		AgentConfig: cfg,
		container:   container,
		logger: cfg.Logger.With(
			slog.String("component", "switchlink.agent"),
			slog.String("switch", cfg.DPID.String()),
		),
		table:    make(map[flowcache.Key]flowcache.Reported),
		notify:   make(map[string]struct{}),
		removed:  make(chan FlowRemovedMessage, 256),
		requests: make(chan string, 64),
	}
}

// Install adds or replaces a flow in the agent's table.
func (a *Agent) Install(flow flowcache.Reported) {
	flow.Key = flowcache.NewKey(flow.Cookie, flow.Priority, flow.Match)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table[flow.Key] = flow
}

// Remove deletes a flow and notifies every address that has requested the
// table so far.
func (a *Agent) Remove(key flowcache.Key) bool {
	key = flowcache.NewKey(key.Cookie, key.Priority, key.Match)
	a.mu.Lock()
	_, ok := a.table[key]
	delete(a.table, key)
	var targets []string
	for addr := range a.notify {
		targets = append(targets, addr)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	for _, addr := range targets {
		msg := FlowRemovedMessage{MessageProps: MessageProps{To: addr}, DPID: a.DPID, Key: key}
		select {
		case a.removed <- msg:
		default:
			a.logger.Info("flow removed queue full, dropping notification")
		}
	}
	return true
}

// Table returns the agent's flows in a stable order.
func (a *Agent) Table() []flowcache.Reported {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]flowcache.Reported, 0, len(a.table))
	for _, flow := range a.table {
		out = append(out, flow)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].Cookie != out[j].Cookie {
			return out[i].Cookie < out[j].Cookie
		}
		return out[i].Match.String() < out[j].Match.String()
	})
	return out
}

// SetSilent makes the agent ignore flow table requests, simulating an
// unreachable switch.
func (a *Agent) SetSilent(silent bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silent = silent
}

func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.listenRequests(ctx) }()
	go func() { defer wg.Done(); a.sendBeacons(ctx) }()
	go func() { defer wg.Done(); a.sendRemovals(ctx) }()
	a.serve(ctx)
	wg.Wait()
}

func (a *Agent) listenRequests(ctx context.Context) {
	receiver := a.container.NewReceiver(a.Direct, session.ReceiverOptions{Credit: 64})
	defer receiver.Close(context.Background())
	for {
		msg, err := receiver.Next(ctx)
		if err != nil {
			if errors.Is(err, ctx.Err()) {
				return
			}
			a.logger.Error("flow table request receive error", slog.Any("error", err))
			continue
		}
		receiver.Accept(ctx, msg)
		request, err := DecodeFlowTableRequest(msg)
		if err != nil {
			a.logger.Info("ignoring invalid request", slog.Any("error", err))
			continue
		}
		if request.DPID != a.DPID {
			a.logger.Info("ignoring request for another switch", slog.String("requested", request.DPID.String()))
			continue
		}
		a.mu.Lock()
		silent := a.silent
		a.mu.Unlock()
		if silent {
			continue
		}
		select {
		case a.requests <- request.ReplyTo:
		default: // drop request if queue is full
		}
	}
}

func (a *Agent) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case replyTo := <-a.requests:
			replies := map[string]struct{}{replyTo: {}}
			if a.RequestDelay > 0 {
				delayCtx, cancel := context.WithTimeout(ctx, a.RequestDelay)
				for _, r := range nextN(delayCtx, a.requests, cap(a.requests)) {
					replies[r] = struct{}{}
				}
				cancel()
				if ctx.Err() != nil {
					return
				}
			}
			flows := a.Table()
			for addr := range replies {
				a.mu.Lock()
				a.notify[addr] = struct{}{}
				a.mu.Unlock()
				report := FlowTableMessage{
					MessageProps: MessageProps{To: addr},
					DPID:         a.DPID,
					Flows:        flows,
				}
				a.send(ctx, addr, report.Encode())
			}
			a.logger.Debug("flow table reported", slog.Int("flows", len(flows)), slog.Int("requesters", len(replies)))
		}
	}
}

func (a *Agent) sendRemovals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.removed:
			a.send(ctx, msg.To, msg.Encode())
		}
	}
}

func (a *Agent) send(ctx context.Context, address string, msg *amqp.Message) {
	sender := a.container.NewSender(address, session.SenderOptions{})
	defer sender.Close(context.Background())
	if err := sendWithTimeout(ctx, a.BeaconInterval, sender, msg); err != nil {
		a.logger.Error("error sending to flow cache", slog.String("address", address), slog.Any("error", err))
	}
}

func (a *Agent) sendBeacons(ctx context.Context) {
	beacon := BeaconMessage{
		Version: a.Version,
		DPID:    a.DPID,
		Direct:  a.Direct,
	}
	sender := a.container.NewSender(BeaconAddress, session.SenderOptions{})
	defer sender.Close(context.Background())

	ticker := time.NewTicker(a.BeaconInterval)
	defer ticker.Stop()
	for {
		if err := sendWithTimeout(ctx, a.BeaconInterval, sender, beacon.Encode()); err != nil && ctx.Err() == nil {
			a.logger.Error("error sending beacon", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var errSendTimeoutExceeded = errors.New("send timed out")

func sendWithTimeout(ctx context.Context, timeout time.Duration, sender session.Sender, msg *amqp.Message) error {
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := sender.Send(requestCtx, msg)
	if err != nil && errors.Is(err, requestCtx.Err()) {
		return errSendTimeoutExceeded
	}
	return err
}

// nextN pulls up to n items from c until ctx is done.
func nextN[T any](ctx context.Context, c <-chan T, n int) []T {
	var out []T
	for len(out) < n {
		select {
		case <-ctx.Done():
			return out
		case t := <-c:
			out = append(out, t)
		}
	}
	return out
}
