package query

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"gotest.tools/v3/assert"
)

func TestExpressionEnv(t *testing.T) {
	now := time.Now()
	record := flowcache.Record{
		Switch: 1,
		Key: flowcache.NewKey(0x20, 100, flowcache.Match{}.
			WithEthType(layers.EthernetTypeIPv4).
			WithIPSrc(netip.MustParsePrefix("10.1.0.0/16")).
			WithIPProto(layers.IPProtocolTCP).
			WithTPDst(443)),
		Actions:   []flowcache.Action{flowcache.SetVLAN(10), flowcache.Output(2)},
		Timestamp: now.Add(-90 * time.Second),
		Status:    flowcache.StatusActive,
		PathID:    ptrTo(uint64(9)),
	}

	testCases := []struct {
		Expr string
		Want bool
	}{
		{Expr: `cookie == 32 && priority == 100`, Want: true},
		{Expr: `switch == "00:00:00:00:00:00:00:01"`, Want: true},
		{Expr: `status == "ACTIVE"`, Want: true},
		{Expr: `has_path && path_id == 9`, Want: true},
		{Expr: `"output:2" in actions`, Want: true},
		{Expr: `"output:3" in actions`, Want: false},
		{Expr: `age > 60`, Want: true},
		{Expr: `match.dl_type_name == "IPv4" && match.nw_proto_name == "TCP"`, Want: true},
		{Expr: `match.nw_src startsWith "10.1."`, Want: true},
		{Expr: `match.tp_dst == 443 && match.tp_src == 0`, Want: true},
		{Expr: `match.wildcard`, Want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.Expr, func(t *testing.T) {
			f, err := newFilter(Query{Expression: tc.Expr})
			assert.NilError(t, err)
			got, err := f.matches(record, now)
			assert.NilError(t, err)
			assert.Equal(t, got, tc.Want)
		})
	}
}

func TestFilterPathID(t *testing.T) {
	f, err := newFilter(Query{PathID: ptrTo(uint64(1))})
	assert.NilError(t, err)
	ok, err := f.matches(flowcache.Record{Switch: 1}, time.Now())
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}
