package main

import (
	"context"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/switchlink"
	"github.com/skupperproject/flowcache/pkg/switchlink/session"
)

// runDemoSwitches simulates n switches on router, each with a small flow
// table that occasionally loses a flow.
func runDemoSwitches(ctx context.Context, logger *slog.Logger, router *session.MockRouter, n int) {
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		agent := switchlink.NewAgent(session.NewMockContainer(router), switchlink.AgentConfig{
			DPID:           flowcache.DPID(i),
			Version:        1,
			BeaconInterval: 5 * time.Second,
			RequestDelay:   50 * time.Millisecond,
			Logger:         logger,
		})
		for _, flow := range demoTable(i) {
			agent.Install(flow)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			agent.Run(ctx)
		}()
		go func(seed int64) {
			defer wg.Done()
			churn(ctx, agent, rand.New(rand.NewSource(seed)))
		}(int64(i))
	}
	wg.Wait()
}

func demoTable(sw int) []flowcache.Reported {
	arp := flowcache.Match{}.WithEthType(layers.EthernetTypeARP)
	flows := []flowcache.Reported{
		{Key: flowcache.NewKey(0, 0, flowcache.Match{}), Actions: []flowcache.Action{}},
		{Key: flowcache.NewKey(1, 1000, arp), Actions: []flowcache.Action{flowcache.Output(0xfffb)}},
	}
	for port := 1; port <= 4; port++ {
		dst := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(sw), byte(port), 0}), 24)
		match := flowcache.Match{}.WithEthType(layers.EthernetTypeIPv4).WithIPDst(dst)
		flows = append(flows, flowcache.Reported{
			Key:     flowcache.NewKey(uint64(0x100+port), 100, match),
			Actions: []flowcache.Action{flowcache.Output(uint32(port))},
		})
	}
	return flows
}

// churn removes and later reinstalls a random flow on the agent.
func churn(ctx context.Context, agent *switchlink.Agent, rng *rand.Rand) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			table := agent.Table()
			if len(table) == 0 {
				continue
			}
			victim := table[rng.Intn(len(table))]
			agent.Remove(victim.Key)
			time.AfterFunc(10*time.Second, func() { agent.Install(victim) })
		}
	}
}
