package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skupperproject/flowcache/pkg/flowcache"
)

// Entry is a record together with the database it lives in.
type Entry struct {
	Database string
	flowcache.Record
}

type EventHandlerFuncs struct {
	OnAdd    func(entry Entry)
	OnChange func(prev, curr Entry)
	OnDelete func(entry Entry)
}

type Config struct {
	Handlers EventHandlerFuncs
	// Now overrides the clock used for record timestamps.
	Now func() time.Time
}

// Store holds flow records partitioned by database and then by switch. The
// database map is guarded by one lock and each (database, switch) bucket by
// its own, so writers to different switches never contend.
type Store struct {
	mu  sync.RWMutex
	dbs map[string]*database

	handlers EventHandlerFuncs
	now      func() time.Time
}

type database struct {
	mu       sync.RWMutex
	switches map[flowcache.DPID]*bucket
}

type bucket struct {
	mu    sync.Mutex
	flows map[flowcache.Key]*flowcache.Record
}

func New(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		dbs:      make(map[string]*database),
		handlers: cfg.Handlers,
		now:      cfg.Now,
	}
	s.dbs[flowcache.DefaultDatabase] = newDatabase()
	return s
}

func newDatabase() *database {
	return &database{switches: make(map[flowcache.DPID]*bucket)}
}

func (s *Store) database(name string, create bool) (*database, error) {
	if err := flowcache.ValidateDatabase(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	db, ok := s.dbs[name]
	s.mu.RUnlock()
	if ok {
		return db, nil
	}
	if !create {
		return nil, fmt.Errorf("%w %q", flowcache.ErrUnknownDatabase, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok = s.dbs[name]; !ok {
		db = newDatabase()
		s.dbs[name] = db
	}
	return db, nil
}

func (d *database) bucket(sw flowcache.DPID, create bool) *bucket {
	d.mu.RLock()
	b, ok := d.switches[sw]
	d.mu.RUnlock()
	if ok || !create {
		return b
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok = d.switches[sw]; !ok {
		b = &bucket{flows: make(map[flowcache.Key]*flowcache.Record)}
		d.switches[sw] = b
	}
	return b
}

func (d *database) buckets() map[flowcache.DPID]*bucket {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[flowcache.DPID]*bucket, len(d.switches))
	for sw, b := range d.switches {
		out[sw] = b
	}
	return out
}

func (b *bucket) snapshot() []flowcache.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]flowcache.Record, 0, len(b.flows))
	for _, r := range b.flows {
		out = append(out, r.Clone())
	}
	sortRecords(out)
	return out
}

func sortRecords(records []flowcache.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Cookie != b.Cookie {
			return a.Cookie < b.Cookie
		}
		return a.Match.String() < b.Match.String()
	})
}

func copyActions(actions []flowcache.Action) []flowcache.Action {
	if actions == nil {
		return nil
	}
	out := make([]flowcache.Action, len(actions))
	copy(out, actions)
	return out
}

// AddFlow inserts a flow or, when one with the same identity exists,
// overwrites its actions. The record becomes PENDING with a fresh timestamp;
// an assigned path id is kept.
func (s *Store) AddFlow(db string, sw flowcache.DPID, cookie uint64, priority uint16, match flowcache.Match, actions []flowcache.Action) (flowcache.Record, error) {
	if err := sw.Validate(); err != nil {
		return flowcache.Record{}, err
	}
	d, err := s.database(db, true)
	if err != nil {
		return flowcache.Record{}, err
	}
	key := flowcache.NewKey(cookie, priority, match)
	b := d.bucket(sw, true)

	prev, curr, existed := func() (flowcache.Record, flowcache.Record, bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		r, ok := b.flows[key]
		var prev flowcache.Record
		if ok {
			prev = r.Clone()
		} else {
			r = &flowcache.Record{Switch: sw, Key: key}
			b.flows[key] = r
		}
		r.Actions = copyActions(actions)
		r.Timestamp = s.now()
		r.Status = flowcache.StatusPending
		return prev, r.Clone(), ok
	}()

	if existed {
		s.onChange(Entry{db, prev}, Entry{db, curr})
	} else {
		s.onAdd(Entry{db, curr})
	}
	return curr, nil
}

// RemoveFlow erases the flow with the given identity. Actions are not
// consulted.
func (s *Store) RemoveFlow(db string, sw flowcache.DPID, cookie uint64, priority uint16, match flowcache.Match) (bool, error) {
	if err := sw.Validate(); err != nil {
		return false, err
	}
	d, err := s.database(db, false)
	if errors.Is(err, flowcache.ErrUnknownDatabase) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	b := d.bucket(sw, false)
	if b == nil {
		return false, nil
	}
	key := flowcache.NewKey(cookie, priority, match)
	prev, ok := func() (flowcache.Record, bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		r, ok := b.flows[key]
		if !ok {
			return flowcache.Record{}, false
		}
		delete(b.flows, key)
		return *r, true
	}()
	if ok {
		s.onDelete(Entry{db, prev})
	}
	return ok, nil
}

// GetAllFlows returns a detached snapshot of every switch's records in db.
func (s *Store) GetAllFlows(db string) (map[flowcache.DPID][]flowcache.Record, error) {
	d, err := s.database(db, false)
	if err != nil {
		return nil, err
	}
	out := make(map[flowcache.DPID][]flowcache.Record)
	for sw, b := range d.buckets() {
		if records := b.snapshot(); len(records) > 0 {
			out[sw] = records
		}
	}
	return out, nil
}

// GetFlows returns a detached snapshot of the records for one switch in db.
func (s *Store) GetFlows(db string, sw flowcache.DPID) ([]flowcache.Record, error) {
	if err := sw.Validate(); err != nil {
		return nil, err
	}
	d, err := s.database(db, false)
	if err != nil {
		return nil, err
	}
	b := d.bucket(sw, false)
	if b == nil {
		return []flowcache.Record{}, nil
	}
	return b.snapshot(), nil
}

func (s *Store) Databases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Switches lists the switches that have a bucket in db.
func (s *Store) Switches(db string) ([]flowcache.DPID, error) {
	d, err := s.database(db, false)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]flowcache.DPID, 0, len(d.switches))
	for sw := range d.switches {
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DatabasesWithSwitch lists the databases holding a bucket for sw.
func (s *Store) DatabasesWithSwitch(sw flowcache.DPID) []string {
	var out []string
	for _, name := range s.Databases() {
		d, err := s.database(name, false)
		if err != nil {
			continue
		}
		if d.bucket(sw, false) != nil {
			out = append(out, name)
		}
	}
	return out
}

func (s *Store) Len(db string) int {
	d, err := s.database(db, false)
	if err != nil {
		return 0
	}
	var n int
	for _, b := range d.buckets() {
		b.mu.Lock()
		n += len(b.flows)
		b.mu.Unlock()
	}
	return n
}

// update applies fn to an existing record under its bucket lock.
func (s *Store) update(db string, sw flowcache.DPID, key flowcache.Key, fn func(r *flowcache.Record) error) (flowcache.Record, error) {
	if err := sw.Validate(); err != nil {
		return flowcache.Record{}, err
	}
	d, err := s.database(db, false)
	if err != nil {
		return flowcache.Record{}, err
	}
	b := d.bucket(sw, false)
	notFound := fmt.Errorf("%w: flow %s on switch %s", flowcache.ErrNotFound, key, sw)
	if b == nil {
		return flowcache.Record{}, notFound
	}
	key.Match = key.Match.Normalize()
	prev, curr, err := func() (flowcache.Record, flowcache.Record, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		r, ok := b.flows[key]
		if !ok {
			return flowcache.Record{}, flowcache.Record{}, notFound
		}
		prev := r.Clone()
		if err := fn(r); err != nil {
			return prev, prev, err
		}
		return prev, r.Clone(), nil
	}()
	if err != nil {
		return curr, err
	}
	s.onChange(Entry{db, prev}, Entry{db, curr})
	return curr, nil
}

// Confirm marks a flow ACTIVE, e.g. once the producer knows it was installed.
func (s *Store) Confirm(db string, sw flowcache.DPID, key flowcache.Key) (flowcache.Record, error) {
	return s.update(db, sw, key, func(r *flowcache.Record) error {
		r.Status = flowcache.StatusActive
		r.Timestamp = s.now()
		return nil
	})
}

// SetPathID assigns the flow to a path. The id can be set once; repeating
// the same id is a no-op and a different id fails with ErrPathAssigned.
func (s *Store) SetPathID(db string, sw flowcache.DPID, key flowcache.Key, id uint64) (flowcache.Record, error) {
	return s.update(db, sw, key, func(r *flowcache.Record) error {
		if r.PathID != nil {
			if *r.PathID == id {
				return nil
			}
			return fmt.Errorf("%w: flow %s belongs to path %d", flowcache.ErrPathAssigned, key, *r.PathID)
		}
		r.PathID = &id
		return nil
	})
}

// MarkRemoved flags the identity REMOVED on sw in every database and returns
// the number of records changed.
func (s *Store) MarkRemoved(sw flowcache.DPID, key flowcache.Key) int {
	var n int
	for _, db := range s.DatabasesWithSwitch(sw) {
		_, err := s.update(db, sw, key, func(r *flowcache.Record) error {
			if r.Status == flowcache.StatusRemoved {
				return errUnchanged
			}
			r.Status = flowcache.StatusRemoved
			r.Timestamp = s.now()
			return nil
		})
		if err == nil {
			n++
		}
	}
	return n
}

var errUnchanged = errors.New("unchanged")

type ReconcileOptions struct {
	// AddMissing inserts flows only the switch knows about as ACTIVE.
	AddMissing bool
}

type ReconcileResult struct {
	Confirmed int
	Removed   int
	Added     int
}

// Reconcile brings the bucket for sw in db in line with a complete flow
// table reported by the switch. Flows present on both sides become ACTIVE
// with the reported actions; flows only in the store become REMOVED. The
// bucket is updated atomically with respect to other writers.
func (s *Store) Reconcile(db string, sw flowcache.DPID, reported []flowcache.Reported, opts ReconcileOptions) (ReconcileResult, error) {
	var result ReconcileResult
	if err := sw.Validate(); err != nil {
		return result, err
	}
	d, err := s.database(db, opts.AddMissing)
	if err != nil {
		return result, err
	}
	b := d.bucket(sw, opts.AddMissing)
	if b == nil {
		return result, nil
	}

	type change struct {
		prev, curr flowcache.Record
		added      bool
	}
	var changes []change

	func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		now := s.now()
		seen := make(map[flowcache.Key]bool, len(reported))
		for _, rep := range reported {
			key := rep.Key
			key.Match = key.Match.Normalize()
			seen[key] = true
			r, ok := b.flows[key]
			if !ok {
				if !opts.AddMissing {
					continue
				}
				r = &flowcache.Record{
					Switch:    sw,
					Key:       key,
					Actions:   copyActions(rep.Actions),
					Timestamp: now,
					Status:    flowcache.StatusActive,
				}
				b.flows[key] = r
				result.Added++
				changes = append(changes, change{curr: r.Clone(), added: true})
				continue
			}
			prev := r.Clone()
			if rep.Actions != nil {
				r.Actions = copyActions(rep.Actions)
			}
			r.Status = flowcache.StatusActive
			r.Timestamp = now
			result.Confirmed++
			changes = append(changes, change{prev: prev, curr: r.Clone()})
		}
		for key, r := range b.flows {
			if seen[key] || r.Status == flowcache.StatusRemoved {
				continue
			}
			prev := r.Clone()
			r.Status = flowcache.StatusRemoved
			r.Timestamp = now
			result.Removed++
			changes = append(changes, change{prev: prev, curr: r.Clone()})
		}
	}()

	for _, c := range changes {
		if c.added {
			s.onAdd(Entry{db, c.curr})
		} else {
			s.onChange(Entry{db, c.prev}, Entry{db, c.curr})
		}
	}
	return result, nil
}

// Purge erases REMOVED records whose removal happened before the cutoff.
func (s *Store) Purge(before time.Time) int {
	var purged []Entry
	for _, db := range s.Databases() {
		d, err := s.database(db, false)
		if err != nil {
			continue
		}
		for _, b := range d.buckets() {
			b.mu.Lock()
			for key, r := range b.flows {
				if r.Status == flowcache.StatusRemoved && r.Timestamp.Before(before) {
					delete(b.flows, key)
					purged = append(purged, Entry{db, *r})
				}
			}
			b.mu.Unlock()
		}
	}
	for _, e := range purged {
		s.onDelete(e)
	}
	return len(purged)
}

func (s *Store) onAdd(e Entry) {
	if s.handlers.OnAdd != nil {
		s.handlers.OnAdd(e)
	}
}

func (s *Store) onChange(prev, curr Entry) {
	if s.handlers.OnChange != nil {
		s.handlers.OnChange(prev, curr)
	}
}

func (s *Store) onDelete(e Entry) {
	if s.handlers.OnDelete != nil {
		s.handlers.OnDelete(e)
	}
}
