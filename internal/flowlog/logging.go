// Package flowlog logs the reports switches send to the flow cache,
// sampled per rule so that busy switches do not flood the log.
package flowlog

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/switchlink"
	"golang.org/x/time/rate"
)

// Kind names a type of switch report.
type Kind string

const (
	KindFlowTable   Kind = "flow_table"
	KindFlowRemoved Kind = "flow_removed"
	kindAll         Kind = "*"

	doNotSample = staticSampler(false)
)

// Report is a decoded switch message a rule can be applied to.
type Report struct {
	Kind   Kind
	Switch flowcache.DPID
	msg    any
}

// Rule specifies how a set of report kinds should be logged.
type Rule struct {
	// Priority of the rule. Lowest matching a report kind wins.
	Priority int
	Match    KindSet
	Strategy SampleStrategy
}

type MessageHandler func(msg any)

// New creates a MessageHandler given a set of rules and a log output
// function. Messages that are not switch reports are ignored.
func New(ctx context.Context, logFn func(msg string, args ...any), rules []Rule) MessageHandler {
	h := &handler{
		logFn: logFn,
	}
	for _, rule := range rules {
		if rule.Strategy == nil || rule.Match == nil {
			continue
		}
		h.rules = append(h.rules, rule)
	}
	slices.SortFunc(h.rules, func(l, r Rule) int {
		return l.Priority - r.Priority
	})
	go h.report(ctx)
	return h.handle
}

type SampleStrategy interface {
	// Sample returns true when the report should be logged
	Sample(r Report) bool
}

type staticSampler bool

func (s staticSampler) Sample(Report) bool {
	return bool(s)
}

// Unlimited SampleStrategy always samples
func Unlimited() SampleStrategy {
	return staticSampler(true)
}

type rateLimited struct {
	limiter *rate.Limiter
}

// RateLimited SampleStrategy samples reports up to a limit (in reports per
// second). Reports exceeding the limit are not logged.
func RateLimited(limit float64, burst int) SampleStrategy {
	return rateLimited{
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
}

func (r rateLimited) Sample(Report) bool {
	return r.limiter.Allow()
}

// SwitchHash samples a deterministic share of switches so that every report
// from a sampled switch is logged together.
func SwitchHash(percent float64, parent SampleStrategy) SampleStrategy {
	if percent < 0 || percent >= 1.0 {
		panic("percent must be value in range [0, 1)")
	}
	if parent == nil {
		parent = Unlimited()
	}
	return hashBasedSampler{
		parent: parent,
		mod:    10_000,
		q:      uint32(percent * 10_000),
	}
}

type hashBasedSampler struct {
	parent SampleStrategy
	mod    uint32
	q      uint32
}

func (h hashBasedSampler) Sample(r Report) bool {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(r.Switch))
	hash := fnv.New32a()
	hash.Write(buf[:])
	if h.q >= hash.Sum32()%h.mod {
		return h.parent.Sample(r)
	}
	return false
}

// KindSet specifies the report kinds a Rule is applicable for.
type KindSet map[Kind]struct{}

func NewKindSet(kinds ...Kind) KindSet {
	set := KindSet{}
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

// NewKindSetAll returns a KindSet that matches every report kind.
func NewKindSetAll() KindSet {
	return NewKindSet(kindAll)
}

func (s KindSet) matches(k Kind) bool {
	if _, ok := s[kindAll]; ok {
		return true
	}
	_, ok := s[k]
	return ok
}

type handler struct {
	logFn func(msg string, args ...any)
	rules []Rule

	resolved sync.Map
	sampled  sync.Map
}

func (h *handler) report(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.logReport()
		}
	}
}

func (h *handler) logReport() {
	var counts []any
	h.sampled.Range(func(k, v any) bool {
		h.sampled.Delete(k)
		counts = append(counts, slog.Int(string(k.(Kind)), int(v.(*atomic.Int64).Load())))
		return true
	})
	if len(counts) == 0 {
		return
	}
	h.logFn("some switch reports were not logged", counts...)
}

func (h *handler) resolve(kind Kind) SampleStrategy {
	if r, ok := h.resolved.Load(kind); ok {
		return r.(SampleStrategy)
	}
	var strategy SampleStrategy = doNotSample
	for _, rule := range h.rules {
		if rule.Match.matches(kind) {
			strategy = rule.Strategy
			break
		}
	}
	h.resolved.Store(kind, strategy)
	return strategy
}

func classify(msg any) (Report, bool) {
	switch m := msg.(type) {
	case switchlink.FlowTableMessage:
		return Report{Kind: KindFlowTable, Switch: m.DPID, msg: m}, true
	case switchlink.FlowRemovedMessage:
		return Report{Kind: KindFlowRemoved, Switch: m.DPID, msg: m}, true
	}
	return Report{}, false
}

func (h *handler) handle(msg any) {
	report, ok := classify(msg)
	if !ok {
		return
	}
	strategy := h.resolve(report.Kind)
	if !strategy.Sample(report) {
		if strategy != doNotSample {
			prev, _ := h.sampled.LoadOrStore(report.Kind, new(atomic.Int64))
			prev.(*atomic.Int64).Add(1)
		}
		return
	}

	switch m := report.msg.(type) {
	case switchlink.FlowTableMessage:
		flows := make([]any, 0, len(m.Flows))
		for _, f := range m.Flows {
			flows = append(flows, slog.String(f.Key.String(), flowcache.FormatActions(f.Actions)))
		}
		h.logFn(string(report.Kind),
			slog.String("switch", m.DPID.String()),
			slog.Int("count", len(m.Flows)),
			slog.Group("flows", flows...),
			slog.Group("message", slog.String("to", m.To), slog.String("subject", m.Subject)),
		)
	case switchlink.FlowRemovedMessage:
		h.logFn(string(report.Kind),
			slog.String("switch", m.DPID.String()),
			slog.String("flow", m.Key.String()),
			slog.Group("message", slog.String("to", m.To), slog.String("subject", m.Subject)),
		)
	}
}
