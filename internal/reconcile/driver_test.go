package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/localrunapp/localrun/internal/dns"
)

// fakeProvider counts calls and can fail a number of times before
// succeeding, to exercise the retry path.
type fakeProvider struct {
	mu           sync.Mutex
	name         string
	records      []dns.Record
	failuresLeft int
	creates      int
	updates      int
	deletes      int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ListRecords(context.Context, string) ([]dns.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

func (f *fakeProvider) failing() error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("api unavailable")
	}
	return nil
}

func (f *fakeProvider) CreateRecord(_ context.Context, rec dns.Record) (dns.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing(); err != nil {
		return dns.Record{}, err
	}
	f.creates++
	rec.ID = "created-1"
	return rec, nil
}

func (f *fakeProvider) UpdateRecord(_ context.Context, rec dns.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing(); err != nil {
		return err
	}
	f.updates++
	return nil
}

func (f *fakeProvider) DeleteRecord(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing(); err != nil {
		return err
	}
	f.deletes++
	return nil
}

// memStore records write-backs in memory.
type memStore struct {
	mu       sync.Mutex
	bindings map[string]dns.Record
	misses   map[uint]int
	flagged  map[uint]bool
}

func newMemStore() *memStore {
	return &memStore{
		bindings: make(map[string]dns.Record),
		misses:   make(map[uint]int),
		flagged:  make(map[uint]bool),
	}
}

func (m *memStore) SaveBinding(_ uint, _ string, rec dns.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[rec.Name] = rec
	return nil
}

func (m *memStore) DeleteBinding(_ string, rec dns.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, rec.Name)
	return nil
}

func (m *memStore) RecordScanMiss(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[id]++
	return nil
}

func (m *memStore) FlagPossiblyOffline(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flagged[id] = true
	return nil
}

func (m *memStore) ClearScanMisses(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[id] = 0
	m.flagged[id] = false
	return nil
}

func testApplier(p *fakeProvider, store Store) *Applier {
	return &Applier{
		Resolver: dns.NewResolver(p),
		Store:    store,
		Attempts: 3,
	}
}

func TestApplyCreatePersistsProviderID(t *testing.T) {
	p := &fakeProvider{name: "cloudflare"}
	store := newMemStore()
	a := testApplier(p, store)

	plan := []Action{{
		Kind:      ActionCreateDNS,
		Provider:  "cloudflare",
		ServiceID: 1,
		Record:    dns.Record{Type: "CNAME", Name: "app.example.com", Zone: "example.com", Content: "x.trycloudflare.com", TTL: 3600},
	}}
	rep := a.Apply(context.Background(), plan)

	if rep.Err() != nil {
		t.Fatalf("report: %v", rep.Err())
	}
	if p.creates != 1 {
		t.Errorf("creates = %d", p.creates)
	}
	saved, ok := store.bindings["app.example.com"]
	if !ok || saved.ID != "created-1" {
		t.Errorf("binding = %+v", saved)
	}
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{name: "cloudflare", failuresLeft: 2}
	a := testApplier(p, newMemStore())

	plan := []Action{{
		Kind:     ActionUpdateDNS,
		Provider: "cloudflare",
		Record:   dns.Record{ID: "rec-1", Type: "CNAME", Name: "app.example.com", Zone: "example.com"},
	}}
	rep := a.Apply(context.Background(), plan)

	if rep.Err() != nil {
		t.Fatalf("retries exhausted: %v", rep.Err())
	}
	if p.updates != 1 {
		t.Errorf("updates = %d", p.updates)
	}
}

func TestApplyContinuesPastFailures(t *testing.T) {
	// More failures than retry attempts: the first action fails for
	// good, the rest still run.
	p := &fakeProvider{name: "cloudflare", failuresLeft: 10}
	store := newMemStore()
	a := testApplier(p, store)

	plan := []Action{
		{Kind: ActionDeleteDNS, Provider: "cloudflare", Record: dns.Record{ID: "rec-1", Zone: "example.com", Name: "dead.example.com"}},
		{Kind: ActionRecordMiss, ServiceID: 7},
		{Kind: ActionFlagOffline, ServiceID: 8},
	}
	rep := a.Apply(context.Background(), plan)

	if len(rep.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(rep.Failures))
	}
	if rep.Applied != 2 {
		t.Errorf("applied = %d, want 2", rep.Applied)
	}
	if store.misses[7] != 1 || !store.flagged[8] {
		t.Error("scan actions after failing DNS action were skipped")
	}
	if rep.Err() == nil {
		t.Error("partial failure report has no error")
	}
}

func TestApplyUnknownProvider(t *testing.T) {
	a := testApplier(&fakeProvider{name: "cloudflare"}, newMemStore())

	plan := []Action{{Kind: ActionCreateDNS, Provider: "route53", Record: dns.Record{Name: "a.example.com"}}}
	rep := a.Apply(context.Background(), plan)

	if len(rep.Failures) != 1 || !errors.Is(rep.Failures[0].Err, dns.ErrUnknownProvider) {
		t.Fatalf("failures = %+v", rep.Failures)
	}
}
