package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/pool"
	"github.com/skupperproject/flowcache/pkg/flowcache/query"
	"github.com/skupperproject/flowcache/pkg/flowcache/store"
	"github.com/skupperproject/flowcache/pkg/flowcache/synchronizer"
	"gotest.tools/v3/assert"
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
	srv       *httptest.Server
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
	api := New(Options{
		Store:     s,
		Engine:    query.New(query.Options{Store: s, Pool: p}),
		Refresher: refresher,
		Fleet:     fakeFleet{{ID: 1, Address: "sw.1"}},
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return fixture{srv: srv, store: s, refresher: refresher}
}

func (f fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		assert.NilError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+Prefix+path, rdr)
	assert.NilError(t, err)
	resp, err := f.srv.Client().Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()
	if out != nil {
		assert.NilError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

var ipv4 = flowcache.Match{}.WithEthType(layers.EthernetTypeIPv4)

func TestFlowLifecycle(t *testing.T) {
	f := newFixture(t)
	add := FlowRequest{
		Key:     flowcache.NewKey(0x20, 100, ipv4),
		Actions: []flowcache.Action{flowcache.Output(3)},
	}
	var added flowcache.Record
	assert.Equal(t, f.do(t, http.MethodPost, "/databases/routing/switches/1/flows", add, &added), http.StatusCreated)
	assert.Equal(t, added.Status, flowcache.StatusPending)
	assert.Equal(t, added.Switch, flowcache.DPID(1))

	var listed SwitchFlows
	assert.Equal(t, f.do(t, http.MethodGet, "/databases/routing/switches/00:00:00:00:00:00:00:01/flows", nil, &listed), http.StatusOK)
	assert.Equal(t, len(listed.Flows), 1)
	assert.DeepEqual(t, listed.Flows[0].Actions, add.Actions)

	var all DatabaseFlows
	assert.Equal(t, f.do(t, http.MethodGet, "/databases/routing/flows", nil, &all), http.StatusOK)
	assert.Equal(t, len(all.Flows[1]), 1)

	var confirmed flowcache.Record
	assert.Equal(t, f.do(t, http.MethodPost, "/databases/routing/switches/1/flows/confirm", FlowRequest{Key: add.Key}, &confirmed), http.StatusOK)
	assert.Equal(t, confirmed.Status, flowcache.StatusActive)

	var withPath flowcache.Record
	path := PathRequest{Key: add.Key, PathID: 7}
	assert.Equal(t, f.do(t, http.MethodPut, "/databases/routing/switches/1/flows/path", path, &withPath), http.StatusOK)
	assert.Equal(t, *withPath.PathID, uint64(7))

	var conflict Error
	path.PathID = 8
	assert.Equal(t, f.do(t, http.MethodPut, "/databases/routing/switches/1/flows/path", path, &conflict), http.StatusConflict)
	assert.Equal(t, conflict.Code, "ErrPathAssigned")

	var dbs DatabaseList
	assert.Equal(t, f.do(t, http.MethodGet, "/databases", nil, &dbs), http.StatusOK)
	assert.DeepEqual(t, dbs.Databases, []string{"default", "routing"})

	var removed RemoveResult
	assert.Equal(t, f.do(t, http.MethodDelete, "/databases/routing/switches/1/flows", FlowRequest{Key: add.Key}, &removed), http.StatusOK)
	assert.Assert(t, removed.Removed)
	assert.Equal(t, f.do(t, http.MethodDelete, "/databases/routing/switches/1/flows", FlowRequest{Key: add.Key}, &removed), http.StatusOK)
	assert.Assert(t, !removed.Removed)
}

func TestErrors(t *testing.T) {
	f := newFixture(t)
	testCases := []struct {
		Name   string
		Method string
		Path   string
		Body   any
		Status int
		Code   string
	}{
		{Name: "unknown database", Method: http.MethodGet, Path: "/databases/nope/flows", Status: http.StatusNotFound, Code: "ErrUnknownDatabase"},
		{Name: "bad dpid", Method: http.MethodGet, Path: "/databases/default/switches/xyz/flows", Status: http.StatusBadRequest, Code: "ErrInvalidArgument"},
		{Name: "zero dpid", Method: http.MethodPost, Path: "/databases/default/switches/0/flows", Body: FlowRequest{}, Status: http.StatusBadRequest, Code: "ErrInvalidArgument"},
		{Name: "bad database name", Method: http.MethodPost, Path: "/databases/-x/switches/1/flows", Body: FlowRequest{}, Status: http.StatusBadRequest, Code: "ErrInvalidArgument"},
		{Name: "unknown body field", Method: http.MethodPost, Path: "/databases/default/switches/1/flows", Body: map[string]any{"cookei": 1}, Status: http.StatusBadRequest, Code: "ErrInvalidArgument"},
		{Name: "confirm missing", Method: http.MethodPost, Path: "/databases/default/switches/1/flows/confirm", Body: FlowRequest{}, Status: http.StatusNotFound, Code: "ErrNotFound"},
		{Name: "refresh unknown switch", Method: http.MethodPost, Path: "/switches/99/refresh", Status: http.StatusNotFound, Code: "ErrUnknownSwitch"},
		{Name: "no route", Method: http.MethodGet, Path: "/routes", Status: http.StatusNotFound, Code: "ErrNotFound"},
		{Name: "bad expression", Method: http.MethodPost, Path: "/query", Body: query.Query{Expression: "cookie ==="}, Status: http.StatusBadRequest, Code: "ErrInvalidArgument"},
		{Name: "bad timeout", Method: http.MethodPost, Path: "/query?timeout=soon", Body: query.Query{}, Status: http.StatusBadRequest, Code: "ErrInvalidArgument"},
		{Name: "refresh timeout", Method: http.MethodPost, Path: "/query", Body: query.Query{Switch: 5, Refresh: true}, Status: http.StatusGatewayTimeout, Code: "ErrTimeout"},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			var out Error
			assert.Equal(t, f.do(t, tc.Method, tc.Path, tc.Body, &out), tc.Status)
			assert.Equal(t, out.Code, tc.Code)
			assert.Assert(t, out.Message != "")
		})
	}
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	for i := uint64(1); i <= 3; i++ {
		_, err := f.store.AddFlow("routing", flowcache.DPID(i), i, 10, ipv4, []flowcache.Action{flowcache.Output(1)})
		assert.NilError(t, err)
		if i != 2 {
			_, err = f.store.SetPathID("routing", flowcache.DPID(i), flowcache.NewKey(i, 10, ipv4), 42)
			assert.NilError(t, err)
		}
	}
	pathID := uint64(42)
	var resp query.Response
	status := f.do(t, http.MethodPost, "/query?timeout=2s", query.Query{Database: "routing", Application: "test", PathID: &pathID}, &resp)
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, resp.Application, "test")
	assert.Equal(t, len(resp.Records), 2)

	status = f.do(t, http.MethodPost, "/query", query.Query{Database: "routing", Expression: `switch == "00:00:00:00:00:00:00:02"`}, &resp)
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, len(resp.Records), 1)
	assert.Equal(t, resp.Records[0].Switch, flowcache.DPID(2))
}

func TestSwitches(t *testing.T) {
	f := newFixture(t)
	var list SwitchList
	assert.Equal(t, f.do(t, http.MethodGet, "/switches", nil, &list), http.StatusOK)
	assert.Equal(t, len(list.Switches), 1)

	assert.Equal(t, f.do(t, http.MethodPost, "/switches/refresh", nil, nil), http.StatusAccepted)
	assert.Equal(t, f.refresher.all, 1)
	assert.Equal(t, f.do(t, http.MethodPost, "/switches/0x2/refresh", nil, nil), http.StatusAccepted)
	assert.DeepEqual(t, f.refresher.refreshed, []flowcache.DPID{2})

	var policy query.StalenessPolicy
	assert.Equal(t, f.do(t, http.MethodGet, "/config", nil, &policy), http.StatusOK)
	assert.Equal(t, policy.MaxAge.String(), "0s")
}
