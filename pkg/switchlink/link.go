package switchlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/synchronizer"
	"github.com/skupperproject/flowcache/pkg/switchlink/session"
)

// Handler consumes what switches report.
type Handler interface {
	HandleFlowTable(sw flowcache.DPID, flows []flowcache.Reported) error
	HandleFlowRemoved(sw flowcache.DPID, cookie uint64, priority uint16, match flowcache.Match) (int, error)
}

// Lookup resolves a switch to the address its agent listens on.
type Lookup interface {
	Switch(id flowcache.DPID) (synchronizer.SwitchInfo, bool)
}

type LinkOptions struct {
	// ReportAddress is where switches send flow tables and removal
	// notifications. Defaults to a unique anycast address.
	ReportAddress string
	Logger        *slog.Logger
	Registerer    prometheus.Registerer
	// OnReport, when set, sees every decoded report before it is handled.
	OnReport func(msg any)
}

// Link sends flow table requests to switch agents and feeds their answers
// to a Handler.
type Link struct {
	container session.Container
	lookup    Lookup
	address   string
	logger    *slog.Logger
	onReport  func(msg any)
	metrics   linkMetrics

	mu      sync.Mutex
	handler Handler
	senders map[string]session.Sender
}

func NewLink(container session.Container, lookup Lookup, opts LinkOptions) *Link {
	if opts.ReportAddress == "" {
		opts.ReportAddress = "flowcache.reports." + uuid.New().String()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Link{
		container: container,
		lookup:    lookup,
		address:   opts.ReportAddress,
		logger:    opts.Logger.With(slog.String("component", "switchlink.link")),
		onReport:  opts.OnReport,
		metrics:   registerLink(opts.Registerer),
		senders:   make(map[string]session.Sender),
	}
}

// ReportAddress is the reply address carried by every request.
func (l *Link) ReportAddress() string {
	return l.address
}

// SetHandler installs the consumer of inbound reports. Reports received
// before a handler is set are dropped.
func (l *Link) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// RequestFlowTableRefresh sends a FLOW_TABLE_REQUEST to the agent for sw.
func (l *Link) RequestFlowTableRefresh(ctx context.Context, sw flowcache.DPID) error {
	info, ok := l.lookup.Switch(sw)
	if !ok || info.Address == "" {
		return fmt.Errorf("%w: %s", flowcache.ErrUnknownSwitch, sw)
	}
	request := FlowTableRequest{
		MessageProps: MessageProps{To: info.Address, ReplyTo: l.address},
		DPID:         sw,
	}
	sender := l.sender(info.Address)
	if err := sender.Send(ctx, request.Encode()); err != nil {
		l.metrics.requests.WithLabelValues("error").Inc()
		return fmt.Errorf("error sending flow table request to %s: %w", sw, err)
	}
	l.metrics.requests.WithLabelValues("sent").Inc()
	return nil
}

func (l *Link) sender(address string) session.Sender {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.senders[address]
	if !ok {
		s = l.container.NewSender(address, session.SenderOptions{})
		l.senders[address] = s
	}
	return s
}

// Run receives reports until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	receiver := l.container.NewReceiver(l.address, session.ReceiverOptions{Credit: 256})
	defer func() {
		receiver.Close(context.Background())
		l.mu.Lock()
		defer l.mu.Unlock()
		for addr, s := range l.senders {
			s.Close(context.Background())
			delete(l.senders, addr)
		}
	}()
	for {
		msg, err := receiver.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("error receiving switch reports: %w", err)
		}
		if err := receiver.Accept(ctx, msg); err != nil {
			l.logger.Error("error accepting switch report", slog.Any("error", err))
		}
		l.dispatch(msg)
	}
}

func (l *Link) dispatch(raw *amqp.Message) {
	decoded, err := Decode(raw)
	if err != nil {
		l.metrics.reports.WithLabelValues("invalid").Inc()
		l.logger.Info("discarding invalid switch report", slog.Any("error", err))
		return
	}
	if l.onReport != nil {
		l.onReport(decoded)
	}
	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler == nil {
		l.metrics.reports.WithLabelValues("unhandled").Inc()
		return
	}

	switch msg := decoded.(type) {
	case FlowTableMessage:
		l.metrics.reports.WithLabelValues("flow_table").Inc()
		if err := handler.HandleFlowTable(msg.DPID, msg.Flows); err != nil {
			l.logger.Error("flow table report not applied",
				slog.String("switch", msg.DPID.String()),
				slog.Any("error", err),
			)
		}
	case FlowRemovedMessage:
		l.metrics.reports.WithLabelValues("flow_removed").Inc()
		if _, err := handler.HandleFlowRemoved(msg.DPID, msg.Key.Cookie, msg.Key.Priority, msg.Key.Match); err != nil {
			l.logger.Error("flow removal not applied",
				slog.String("switch", msg.DPID.String()),
				slog.Any("error", err),
			)
		}
	default:
		l.metrics.reports.WithLabelValues("unexpected").Inc()
		l.logger.Debug("ignoring unexpected message on report address", slog.String("type", fmt.Sprintf("%T", decoded)))
	}
}
