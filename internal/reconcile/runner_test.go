package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/localrunapp/localrun/internal/config"
	"github.com/localrunapp/localrun/internal/database"
	"github.com/localrunapp/localrun/internal/dns"
)

func setupRunnerDB(t *testing.T) {
	t.Helper()
	oldCfg := config.Cfg
	oldDB := database.DB

	config.Cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	if err := database.Init(); err != nil {
		t.Fatalf("init test db: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		config.Cfg = oldCfg
		database.DB = oldDB
	})
}

// Hosts APIs without record metadata list every record unmanaged.
// Ownership must be recovered from the persisted bindings, otherwise a
// diverged record never gets an update and an orphaned one never gets
// deleted.
func TestBuildInputRecoversOwnershipFromBindings(t *testing.T) {
	setupRunnerDB(t)

	svc := &database.Service{
		Name: "web", Port: 3000, Protocol: "http", ProviderKey: "cloudflare",
		DNSProvider: "namecheap", Domain: "example.com", Subdomain: "app",
		PublicURL: "https://new.trycloudflare.com", Enabled: true,
	}
	if err := database.DB.Create(svc).Error; err != nil {
		t.Fatal(err)
	}
	for _, rec := range []*database.DNSRecord{
		{RecordType: "CNAME", Name: "app.example.com", Zone: "example.com", Content: "old.trycloudflare.com", TTL: 3600, ServiceID: svc.ID},
		{RecordType: "CNAME", Name: "legacy.example.com", Zone: "example.com", Content: "gone.trycloudflare.com", TTL: 3600},
	} {
		if err := database.SaveDNSRecord(rec); err != nil {
			t.Fatal(err)
		}
	}

	p := &fakeProvider{name: "namecheap", records: []dns.Record{
		{ID: "CNAME/app.example.com", Type: "CNAME", Name: "app.example.com", Zone: "example.com", Content: "old.trycloudflare.com", TTL: 3600},
		{ID: "CNAME/legacy.example.com", Type: "CNAME", Name: "legacy.example.com", Zone: "example.com", Content: "gone.trycloudflare.com", TTL: 3600},
		{ID: "A/example.com", Type: "A", Name: "example.com", Zone: "example.com", Content: "203.0.113.7", TTL: 1800},
	}}
	r := NewRunner(dns.NewResolver(p), 1)

	in, err := r.BuildInput(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	plan := Plan(in)

	if len(plan) != 2 {
		t.Fatalf("plan = %v, want one update and one delete", plan)
	}
	var sawUpdate, sawDelete bool
	for _, a := range plan {
		switch a.Kind {
		case ActionUpdateDNS:
			sawUpdate = true
			if a.Record.Content != "new.trycloudflare.com" || a.Record.ID != "CNAME/app.example.com" {
				t.Errorf("update = %+v", a.Record)
			}
		case ActionDeleteDNS:
			sawDelete = true
			if a.Record.Name != "legacy.example.com" {
				t.Errorf("delete = %+v", a.Record)
			}
		default:
			t.Errorf("unexpected action %s", a)
		}
	}
	if !sawUpdate || !sawDelete {
		t.Errorf("plan = %v", plan)
	}
}

// Records with no persisted binding stay unmanaged and untouchable.
func TestBuildInputLeavesForeignRecordsUnmanaged(t *testing.T) {
	setupRunnerDB(t)

	svc := &database.Service{
		Name: "web", Port: 3000, Protocol: "http", ProviderKey: "cloudflare",
		DNSProvider: "namecheap", Domain: "example.com", Subdomain: "app",
		PublicURL: "https://new.trycloudflare.com", Enabled: true,
	}
	if err := database.DB.Create(svc).Error; err != nil {
		t.Fatal(err)
	}

	// The desired name already exists upstream but was created by
	// someone else: no binding, so the conflict blocks the create.
	p := &fakeProvider{name: "namecheap", records: []dns.Record{
		{ID: "CNAME/app.example.com", Type: "CNAME", Name: "app.example.com", Zone: "example.com", Content: "elsewhere.example.net", TTL: 300},
	}}
	r := NewRunner(dns.NewResolver(p), 1)

	in, err := r.BuildInput(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if plan := Plan(in); len(plan) != 0 {
		t.Errorf("plan = %v, want hands off a foreign record", plan)
	}
}
