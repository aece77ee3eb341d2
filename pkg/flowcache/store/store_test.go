package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"gotest.tools/v3/assert"
)

var (
	ipMatch  = flowcache.Match{}.WithEthType(layers.EthernetTypeIPv4)
	arpMatch = flowcache.Match{}.WithEthType(layers.EthernetTypeARP)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(handlers EventHandlerFuncs) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{Handlers: handlers, Now: clock.Now}), clock
}

func TestAddFlowOverwritesIdentity(t *testing.T) {
	var adds, changes int
	s, clock := newTestStore(EventHandlerFuncs{
		OnAdd:    func(Entry) { adds++ },
		OnChange: func(_, _ Entry) { changes++ },
		OnDelete: func(Entry) { t.Errorf("unexpected call to OnDelete") },
	})

	_, err := s.AddFlow("routing", 1, 0x10, 100, ipMatch, []flowcache.Action{flowcache.Output(1)})
	assert.NilError(t, err)
	clock.Advance(time.Second)
	r, err := s.AddFlow("routing", 1, 0x10, 100, ipMatch, []flowcache.Action{flowcache.Output(2)})
	assert.NilError(t, err)

	flows, err := s.GetFlows("routing", 1)
	assert.NilError(t, err)
	assert.Equal(t, len(flows), 1)
	assert.DeepEqual(t, flows[0].Actions, []flowcache.Action{flowcache.Output(2)})
	assert.Equal(t, flows[0].Status, flowcache.StatusPending)
	assert.Equal(t, flows[0].Timestamp, clock.Now())
	assert.Equal(t, r.Timestamp, clock.Now())
	assert.Equal(t, adds, 1)
	assert.Equal(t, changes, 1)
}

func TestAddFlowKeepsPathID(t *testing.T) {
	s, _ := newTestStore(EventHandlerFuncs{})
	r, err := s.AddFlow("routing", 1, 1, 1, ipMatch, nil)
	assert.NilError(t, err)
	_, err = s.SetPathID("routing", 1, r.Key, 5)
	assert.NilError(t, err)

	r, err = s.AddFlow("routing", 1, 1, 1, ipMatch, []flowcache.Action{})
	assert.NilError(t, err)
	assert.Assert(t, r.PathID != nil)
	assert.Equal(t, *r.PathID, uint64(5))
}

func TestAddFlowInvalidArguments(t *testing.T) {
	s, _ := newTestStore(EventHandlerFuncs{})
	_, err := s.AddFlow("routing", 0, 1, 1, ipMatch, nil)
	assert.Assert(t, errors.Is(err, flowcache.ErrInvalidArgument))
	_, err = s.AddFlow("bad name", 1, 1, 1, ipMatch, nil)
	assert.Assert(t, errors.Is(err, flowcache.ErrInvalidArgument))
	assert.DeepEqual(t, s.Databases(), []string{flowcache.DefaultDatabase})
}

func TestRemoveFlowIgnoresActions(t *testing.T) {
	var deleted []Entry
	s, _ := newTestStore(EventHandlerFuncs{OnDelete: func(e Entry) { deleted = append(deleted, e) }})

	_, err := s.AddFlow("routing", 1, 7, 10, ipMatch, []flowcache.Action{flowcache.Output(3), flowcache.StripVLAN()})
	assert.NilError(t, err)
	_, err = s.AddFlow("routing", 1, 7, 10, arpMatch, nil)
	assert.NilError(t, err)

	ok, err := s.RemoveFlow("routing", 1, 7, 10, ipMatch)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, len(deleted), 1)
	assert.Equal(t, deleted[0].Database, "routing")
	assert.Equal(t, deleted[0].Match, ipMatch)

	ok, err = s.RemoveFlow("routing", 1, 7, 10, ipMatch)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
	ok, err = s.RemoveFlow("missing", 1, 7, 10, ipMatch)
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	assert.Equal(t, s.Len("routing"), 1)
}

func TestDatabaseIsolation(t *testing.T) {
	s, _ := newTestStore(EventHandlerFuncs{})
	_, err := s.AddFlow("a", 1, 1, 1, ipMatch, []flowcache.Action{flowcache.Output(1)})
	assert.NilError(t, err)
	_, err = s.AddFlow("b", 1, 1, 1, ipMatch, []flowcache.Action{flowcache.Output(2)})
	assert.NilError(t, err)

	ok, err := s.RemoveFlow("a", 1, 1, 1, ipMatch)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	a, err := s.GetAllFlows("a")
	assert.NilError(t, err)
	assert.Equal(t, len(a), 0)
	b, err := s.GetAllFlows("b")
	assert.NilError(t, err)
	assert.Equal(t, len(b[1]), 1)
	assert.DeepEqual(t, b[1][0].Actions, []flowcache.Action{flowcache.Output(2)})

	_, err = s.GetAllFlows("c")
	assert.Assert(t, errors.Is(err, flowcache.ErrUnknownDatabase))
	_, err = s.GetFlows("c", 1)
	assert.Assert(t, errors.Is(err, flowcache.ErrUnknownDatabase))
	assert.DeepEqual(t, s.Databases(), []string{"a", "b", flowcache.DefaultDatabase})
}

func TestSnapshotsAreDetached(t *testing.T) {
	s, _ := newTestStore(EventHandlerFuncs{})
	_, err := s.AddFlow("routing", 1, 1, 1, ipMatch, []flowcache.Action{flowcache.Output(1)})
	assert.NilError(t, err)

	all, err := s.GetAllFlows("routing")
	assert.NilError(t, err)
	all[1][0].Actions[0] = flowcache.Output(99)
	all[1][0].Status = flowcache.StatusRemoved
	delete(all, 1)

	flows, err := s.GetFlows("routing", 1)
	assert.NilError(t, err)
	assert.DeepEqual(t, flows[0].Actions, []flowcache.Action{flowcache.Output(1)})
	assert.Equal(t, flows[0].Status, flowcache.StatusPending)
}

func TestConcurrentAdds(t *testing.T) {
	s, _ := newTestStore(EventHandlerFuncs{})
	var wg sync.WaitGroup
	for caller := 0; caller < 10; caller++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				cookie := uint64(caller*100 + i)
				sw := flowcache.DPID(cookie%4 + 1)
				if _, err := s.AddFlow("routing", sw, cookie, 1, ipMatch, nil); err != nil {
					t.Errorf("unexpected error: %s", err)
				}
			}
		}(caller)
	}
	wg.Wait()
	assert.Equal(t, s.Len("routing"), 1000)

	all, err := s.GetAllFlows("routing")
	assert.NilError(t, err)
	var total int
	for _, records := range all {
		total += len(records)
	}
	assert.Equal(t, total, 1000)
}

func TestSetPathID(t *testing.T) {
	s, _ := newTestStore(EventHandlerFuncs{})
	r, err := s.AddFlow("routing", 1, 1, 1, ipMatch, nil)
	assert.NilError(t, err)

	_, err = s.SetPathID("routing", 1, r.Key, 1)
	assert.NilError(t, err)
	_, err = s.SetPathID("routing", 1, r.Key, 1)
	assert.NilError(t, err)
	_, err = s.SetPathID("routing", 1, r.Key, 2)
	assert.Assert(t, errors.Is(err, flowcache.ErrPathAssigned))

	_, err = s.SetPathID("routing", 2, r.Key, 1)
	assert.Assert(t, errors.Is(err, flowcache.ErrNotFound))
	_, err = s.SetPathID("routing", 1, flowcache.NewKey(9, 9, arpMatch), 1)
	assert.Assert(t, errors.Is(err, flowcache.ErrNotFound))
}

func TestConfirm(t *testing.T) {
	s, clock := newTestStore(EventHandlerFuncs{})
	r, err := s.AddFlow("routing", 1, 1, 1, ipMatch, nil)
	assert.NilError(t, err)
	clock.Advance(time.Minute)
	r, err = s.Confirm("routing", 1, r.Key)
	assert.NilError(t, err)
	assert.Equal(t, r.Status, flowcache.StatusActive)
	assert.Equal(t, r.Timestamp, clock.Now())
}

func TestReconcile(t *testing.T) {
	type event struct {
		Kind   string
		Key    flowcache.Key
		Status flowcache.Status
	}
	var events []event
	s, _ := newTestStore(EventHandlerFuncs{
		OnAdd: func(e Entry) { events = append(events, event{"add", e.Key, e.Status}) },
		OnChange: func(_, e Entry) {
			events = append(events, event{"change", e.Key, e.Status})
		},
	})
	kept, err := s.AddFlow("routing", 1, 1, 10, ipMatch, []flowcache.Action{flowcache.Output(1)})
	assert.NilError(t, err)
	gone, err := s.AddFlow("routing", 1, 2, 10, ipMatch, nil)
	assert.NilError(t, err)
	events = nil

	extra := flowcache.NewKey(3, 10, arpMatch)
	reported := []flowcache.Reported{
		{Key: kept.Key, Actions: []flowcache.Action{flowcache.Output(4)}},
		{Key: extra, Actions: []flowcache.Action{}},
	}

	result, err := s.Reconcile("routing", 1, reported, ReconcileOptions{})
	assert.NilError(t, err)
	assert.DeepEqual(t, result, ReconcileResult{Confirmed: 1, Removed: 1})

	flows, err := s.GetFlows("routing", 1)
	assert.NilError(t, err)
	byCookie := map[uint64]flowcache.Record{}
	for _, r := range flows {
		byCookie[r.Cookie] = r
	}
	assert.Equal(t, len(byCookie), 2)
	assert.Equal(t, byCookie[1].Status, flowcache.StatusActive)
	assert.DeepEqual(t, byCookie[1].Actions, []flowcache.Action{flowcache.Output(4)})
	assert.Equal(t, byCookie[2].Status, flowcache.StatusRemoved)

	want := []event{
		{"change", kept.Key, flowcache.StatusActive},
		{"change", gone.Key, flowcache.StatusRemoved},
	}
	if !cmp.Equal(events, want, cmp.Comparer(func(a, b flowcache.Key) bool { return a == b })) {
		t.Errorf("unexpected events: %v", events)
	}

	result, err = s.Reconcile(flowcache.DefaultDatabase, 1, reported, ReconcileOptions{AddMissing: true})
	assert.NilError(t, err)
	assert.DeepEqual(t, result, ReconcileResult{Added: 2})
	assert.Equal(t, s.Len(flowcache.DefaultDatabase), 2)

	// no bucket, nothing to do
	result, err = s.Reconcile("routing", 2, reported, ReconcileOptions{})
	assert.NilError(t, err)
	assert.DeepEqual(t, result, ReconcileResult{})
	assert.DeepEqual(t, s.DatabasesWithSwitch(1), []string{flowcache.DefaultDatabase, "routing"})
	assert.Equal(t, len(s.DatabasesWithSwitch(2)), 0)
}

func TestMarkRemovedAndPurge(t *testing.T) {
	var deleted int
	s, clock := newTestStore(EventHandlerFuncs{OnDelete: func(Entry) { deleted++ }})
	for _, db := range []string{"a", "b"} {
		_, err := s.AddFlow(db, 1, 1, 1, ipMatch, nil)
		assert.NilError(t, err)
		_, err = s.AddFlow(db, 1, 2, 1, ipMatch, nil)
		assert.NilError(t, err)
	}
	key := flowcache.NewKey(1, 1, ipMatch)
	assert.Equal(t, s.MarkRemoved(1, key), 2)
	assert.Equal(t, s.MarkRemoved(1, key), 0)

	flows, err := s.GetFlows("a", 1)
	assert.NilError(t, err)
	for _, r := range flows {
		if r.Cookie == 1 {
			assert.Equal(t, r.Status, flowcache.StatusRemoved)
		}
	}

	assert.Equal(t, s.Purge(clock.Now()), 0)
	clock.Advance(time.Minute)
	assert.Equal(t, s.Purge(clock.Now()), 2)
	assert.Equal(t, deleted, 2)
	assert.Equal(t, s.Len("a"), 1)
	assert.Equal(t, s.Len("b"), 1)
}

func TestSwitches(t *testing.T) {
	s, _ := newTestStore(EventHandlerFuncs{})
	for _, sw := range []flowcache.DPID{3, 1, 2} {
		_, err := s.AddFlow("routing", sw, 1, 1, ipMatch, nil)
		assert.NilError(t, err)
	}
	switches, err := s.Switches("routing")
	assert.NilError(t, err)
	assert.DeepEqual(t, switches, []flowcache.DPID{1, 2, 3})
	_, err = s.Switches("nope")
	assert.Assert(t, errors.Is(err, flowcache.ErrUnknownDatabase), fmt.Sprint(err))
}
