package flowctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/skupperproject/flowcache/internal/server"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/pool"
	"github.com/skupperproject/flowcache/pkg/flowcache/query"
	"github.com/skupperproject/flowcache/pkg/flowcache/store"
	"github.com/skupperproject/flowcache/pkg/flowcache/synchronizer"
	"gopkg.in/yaml.v3"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type fakeRefresher struct {
	refreshed []flowcache.DPID
	all       int
}

func (f *fakeRefresher) RefreshSwitch(sw flowcache.DPID) error {
	if sw == 0x99 {
		return fmt.Errorf("%w: %s", flowcache.ErrUnknownSwitch, sw)
	}
	f.refreshed = append(f.refreshed, sw)
	return nil
}

func (f *fakeRefresher) RefreshAllSwitches() { f.all++ }

type fakeFleet []synchronizer.SwitchInfo

func (f fakeFleet) List() []synchronizer.SwitchInfo { return f }

type fixture struct {
	url       string
	store     *store.Store
	refresher *fakeRefresher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := store.New(store.Config{})
	p := pool.New(pool.Options{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	refresher := &fakeRefresher{}
	api := server.New(server.Options{
		Store:     s,
		Engine:    query.New(query.Options{Store: s, Pool: p}),
		Refresher: refresher,
		Fleet:     fakeFleet{{ID: 1, Address: "flowcache.switch.1", Version: "1"}, {ID: 2}},
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return fixture{url: srv.URL, store: s, refresher: refresher}
}

// run executes flowctl with args and returns what it wrote to stdout.
func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand(&Globals{})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--server", f.url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

var ipv4 = flowcache.Match{}.WithEthType(layers.EthernetTypeIPv4)

func (f fixture) seed(t *testing.T) {
	t.Helper()
	_, err := f.store.AddFlow("app1", 1, 0x10, 100, ipv4.WithInPort(1), []flowcache.Action{flowcache.Output(2)})
	assert.NilError(t, err)
	_, err = f.store.AddFlow("app1", 2, 0x20, 10, flowcache.Match{}, []flowcache.Action{})
	assert.NilError(t, err)
	_, err = f.store.SetPathID("app1", 2, flowcache.NewKey(0x20, 10, flowcache.Match{}), 42)
	assert.NilError(t, err)
}

func TestFlowsTable(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	out, err := f.run(t, "flows", "--db", "app1")
	assert.NilError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, len(lines), 3, out)
	assert.Assert(t, is.Regexp(`^SWITCH\s+COOKIE\s+PRIORITY\s+MATCH\s+ACTIONS\s+AGE\s+STATUS\s+PATH$`, lines[0]))
	assert.Assert(t, is.Contains(out, "0x10"))
	assert.Assert(t, is.Contains(out, "output:2"))
	assert.Assert(t, is.Contains(out, "drop"))
	assert.Assert(t, is.Contains(out, "PENDING"))

	out, err = f.run(t, "flows", "--db", "app1", "--path-id", "42")
	assert.NilError(t, err)
	assert.Equal(t, len(strings.Split(strings.TrimSpace(out), "\n")), 2, out)
	assert.Assert(t, is.Contains(out, "00:00:00:00:00:00:00:02"))
}

func TestFlowsFilters(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	testTable := []struct {
		name  string
		args  []string
		count int
	}{
		{name: "switch", args: []string{"--switch", "1"}, count: 1},
		{name: "cookie hex", args: []string{"--cookie", "0x20"}, count: 1},
		{name: "priority", args: []string{"--priority", "100"}, count: 1},
		{name: "match", args: []string{"--match", "dl_type=0x0800"}, count: 1},
		{name: "actions", args: []string{"--actions", "output:2"}, count: 1},
		{name: "status", args: []string{"--status", "pending"}, count: 2},
		{name: "status none", args: []string{"--status", "ACTIVE"}, count: 0},
		{name: "expression", args: []string{"--expr", "priority > 50"}, count: 1},
		{name: "no filters", count: 2},
	}
	for _, test := range testTable {
		t.Run(test.name, func(t *testing.T) {
			args := append([]string{"flows", "--db", "app1", "-o", "json"}, test.args...)
			out, err := f.run(t, args...)
			assert.NilError(t, err)
			var resp query.Response
			assert.NilError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, len(resp.Records), test.count)
			assert.Equal(t, resp.Application, "flowctl")
		})
	}
}

func TestFlowsYAML(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	out, err := f.run(t, "flows", "--db", "app1", "--switch", "2", "-o", "yaml")
	assert.NilError(t, err)
	var resp struct {
		Database string           `yaml:"database"`
		Records  []map[string]any `yaml:"records"`
	}
	assert.NilError(t, yaml.Unmarshal([]byte(out), &resp))
	assert.Equal(t, resp.Database, "app1")
	assert.Equal(t, len(resp.Records), 1)
	assert.Equal(t, resp.Records[0]["switch"], "00:00:00:00:00:00:00:02")
	assert.Equal(t, resp.Records[0]["pathId"], 42)
}

func TestFlowsValidateInput(t *testing.T) {
	f := newFixture(t)

	testTable := []struct {
		name string
		args []string
		want string
	}{
		{name: "extra argument", args: []string{"flows", "x"}, want: "unexpected arguments: x"},
		{name: "bad cookie", args: []string{"flows", "--cookie", "abc"}, want: `cookie "abc"`},
		{name: "bad status", args: []string{"flows", "--status", "gone"}, want: "gone"},
		{name: "bad switch", args: []string{"flows", "--switch", "zz:zz"}, want: "zz:zz"},
		{name: "bad expression", args: []string{"flows", "--expr", "priority >"}, want: `expression "priority >"`},
		{name: "bad output", args: []string{"flows", "-o", "xml"}, want: "format xml not supported"},
		{name: "bad timeout", args: []string{"flows", "--timeout", "0s"}, want: "timeout must be positive"},
		{name: "add without switch", args: []string{"add"}, want: "a switch datapath id must be specified"},
		{name: "add bad actions", args: []string{"add", "1", "--actions", "teleport"}, want: "teleport"},
		{name: "remove bad match", args: []string{"remove", "1", "--match", "in_port=x"}, want: "in_port"},
		{name: "refresh two switches", args: []string{"refresh", "1", "2"}, want: "only one switch"},
		{name: "refresh switch zero", args: []string{"refresh", "0"}, want: "switch id 0"},
	}
	for _, test := range testTable {
		t.Run(test.name, func(t *testing.T) {
			_, err := f.run(t, test.args...)
			assert.ErrorContains(t, err, test.want)
		})
	}
}

func TestValidationErrorsAreJoined(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "flows", "--cookie", "abc", "-o", "xml", "extra")
	assert.ErrorContains(t, err, "unexpected arguments")
	assert.ErrorContains(t, err, "cookie")
	assert.ErrorContains(t, err, "format xml")
	assert.Assert(t, errors.Is(err, flowcache.ErrInvalidArgument))
}

func TestNonPositiveTimeoutIsInvalidArgument(t *testing.T) {
	f := newFixture(t)
	for _, timeout := range []string{"0s", "-1s"} {
		_, err := f.run(t, "flows", "--timeout="+timeout)
		assert.ErrorContains(t, err, "timeout must be positive")
		assert.Assert(t, errors.Is(err, flowcache.ErrInvalidArgument), "got %v", err)
	}
}

func TestAddRemove(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "add", "00:00:00:00:00:00:00:05", "--db", "app1",
		"--cookie", "0x7", "--priority", "200", "--match", "in_port=3,dl_type=0x0800", "--actions", "output:4,strip_vlan")
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(out, "added to app1 on 00:00:00:00:00:00:00:05 (pending)"))

	key := flowcache.NewKey(7, 200, ipv4.WithInPort(3))
	records, err := f.store.GetFlows("app1", 5)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Key, key)
	assert.DeepEqual(t, records[0].Actions, []flowcache.Action{flowcache.Output(4), flowcache.StripVLAN()})

	out, err = f.run(t, "add", "5", "--db", "app1", "--cookie", "7", "--priority", "200",
		"--match", "dl_type=0x0800,in_port=3", "--actions", "drop", "-o", "json")
	assert.NilError(t, err)
	var record flowcache.Record
	assert.NilError(t, json.Unmarshal([]byte(out), &record))
	assert.DeepEqual(t, record.Actions, []flowcache.Action{})

	out, err = f.run(t, "remove", "5", "--db", "app1", "--cookie", "7", "--priority", "200", "--match", "in_port=3,dl_type=0x0800")
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(out, "removed from app1"))

	out, err = f.run(t, "remove", "5", "--db", "app1", "--cookie", "7", "--priority", "200", "--match", "in_port=3,dl_type=0x0800")
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(out, "not found in app1"))
}

func TestServerErrorsUnwrap(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, err := f.run(t, "flows", "--db", "nosuchdb")
	assert.Assert(t, errors.Is(err, flowcache.ErrUnknownDatabase), "got %v", err)
	var apiErr *APIError
	assert.Assert(t, errors.As(err, &apiErr))
	assert.Equal(t, apiErr.Status, 404)

	_, err = f.run(t, "refresh", "0x99")
	assert.Assert(t, errors.Is(err, flowcache.ErrUnknownSwitch), "got %v", err)

	_, err = NewClient("http://127.0.0.1:1", nil).Switches(context.Background())
	assert.ErrorContains(t, err, "error contacting flow cache")
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "refresh")
	assert.NilError(t, err)
	assert.Equal(t, out, "Refresh requested for all switches\n")
	assert.Equal(t, f.refresher.all, 1)

	out, err = f.run(t, "refresh", "3")
	assert.NilError(t, err)
	assert.Equal(t, out, "Refresh requested for 00:00:00:00:00:00:00:03\n")
	assert.DeepEqual(t, f.refresher.refreshed, []flowcache.DPID{3})
}

func TestSwitches(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "switches")
	assert.NilError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, len(lines), 3, out)
	assert.Assert(t, is.Regexp(`^00:00:00:00:00:00:00:01\s+flowcache.switch.1\s+1\s+`, lines[1]))
	assert.Assert(t, is.Regexp(`^00:00:00:00:00:00:00:02\s+-\s+-\s+-$`, lines[2]))

	out, err = f.run(t, "switches", "-o", "json")
	assert.NilError(t, err)
	var list server.SwitchList
	assert.NilError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, len(list.Switches), 2)
}

func TestVersion(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "version")
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(out, "flowctl "))
}

func TestEncodeKeepsLargeNumbers(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, encode(&buf, OutputYAML, map[string]any{"cookie": uint64(1<<64 - 1), "priority": 7}))
	assert.Equal(t, buf.String(), "cookie: 18446744073709551615\npriority: 7\n")
}
