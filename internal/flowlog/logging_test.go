package flowlog

import (
	"context"
	"sync"
	"testing"

	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/switchlink"
	"gotest.tools/v3/assert"
)

type capture struct {
	mu   sync.Mutex
	msgs []string
}

func (c *capture) log(msg string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func TestRulesByKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &capture{}
	handle := New(ctx, out.log, []Rule{
		{Priority: 1, Match: NewKindSet(KindFlowRemoved), Strategy: Unlimited()},
		{Priority: 2, Match: NewKindSetAll(), Strategy: RateLimited(0.001, 1)},
	})

	table := switchlink.FlowTableMessage{DPID: 1, Flows: []flowcache.Reported{
		{Key: flowcache.NewKey(1, 1, flowcache.Match{})},
	}}
	removed := switchlink.FlowRemovedMessage{DPID: 1, Key: flowcache.NewKey(1, 1, flowcache.Match{})}

	for i := 0; i < 3; i++ {
		handle(table)
		handle(removed)
	}
	handle("not a report")

	assert.DeepEqual(t, out.msgs, []string{
		"flow_table",
		"flow_removed",
		"flow_removed",
		"flow_removed",
	})
}

func TestSwitchHashIsStable(t *testing.T) {
	s := SwitchHash(0.5, nil)
	for id := flowcache.DPID(1); id < 50; id++ {
		r := Report{Kind: KindFlowTable, Switch: id}
		assert.Equal(t, s.Sample(r), s.Sample(r))
	}
	assert.Assert(t, !SwitchHash(0, staticSampler(false)).Sample(Report{Switch: 1}))
}
