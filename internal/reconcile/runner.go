package reconcile

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"strings"

	"github.com/localrunapp/localrun/internal/agentwire"
	"github.com/localrunapp/localrun/internal/database"
	"github.com/localrunapp/localrun/internal/dns"
)

// Runner assembles planning input from storage and the DNS providers,
// then plans and applies in one shot. It is driven by the cron
// schedule and by the on-demand endpoint.
type Runner struct {
	Resolver *dns.Resolver
	Applier  *Applier
}

func NewRunner(resolver *dns.Resolver, attempts uint64) *Runner {
	return &Runner{
		Resolver: resolver,
		Applier:  &Applier{Resolver: resolver, Store: dbStore{}, Attempts: attempts},
	}
}

// Run performs one full reconcile pass.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	in, err := r.BuildInput(ctx)
	if err != nil {
		return Report{}, err
	}
	plan := Plan(in)
	if len(plan) == 0 {
		return Report{}, nil
	}
	return r.Applier.Apply(ctx, plan), nil
}

// BuildInput snapshots desired and observed state.
func (r *Runner) BuildInput(ctx context.Context) (Input, error) {
	services, err := database.ListEnabledServices()
	if err != nil {
		return Input{}, err
	}

	in := Input{
		Desired: desiredRecords(services),
		Scans:   scanStates(services),
	}

	// Providers without record metadata (Namecheap) list everything
	// unmanaged; the persisted bindings recover which records this
	// backend created so they stay updatable and deletable.
	bindings, err := database.ListDNSRecords()
	if err != nil {
		return Input{}, err
	}
	owned := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		owned[key(dns.Record{Type: b.RecordType, Name: b.Name, Zone: b.Zone})] = true
	}

	// One list per (provider, zone) pair actually in use.
	type zoneKey struct{ provider, zone string }
	seen := make(map[zoneKey]bool)
	for _, d := range in.Desired {
		k := zoneKey{d.Provider, d.Record.Zone}
		if seen[k] {
			continue
		}
		seen[k] = true

		p, err := r.Resolver.Resolve(d.Provider)
		if err != nil {
			log.Printf("[reconcile] skipping zone %s: %v", d.Record.Zone, err)
			continue
		}
		records, err := p.ListRecords(ctx, d.Record.Zone)
		if err != nil {
			return Input{}, err
		}
		for _, rec := range records {
			if owned[key(rec)] {
				rec.Managed = true
			}
			in.Observed = append(in.Observed, ObservedRecord{Provider: d.Provider, Record: rec})
		}
	}

	return in, nil
}

// desiredRecords derives the DNS bindings enabled services ask for. A
// service needs a custom domain, a DNS provider, and a live tunnel URL
// to resolve the record content from.
func desiredRecords(services []database.Service) []DesiredRecord {
	var desired []DesiredRecord
	ttl := defaultTTL()

	for _, svc := range services {
		if svc.Domain == "" || svc.Subdomain == "" || svc.DNSProvider == "" {
			continue
		}
		target := tunnelHost(svc.PublicURL)
		if target == "" {
			continue
		}
		desired = append(desired, DesiredRecord{
			ServiceID: svc.ID,
			Provider:  svc.DNSProvider,
			Record: dns.Record{
				Type:    "CNAME",
				Name:    svc.Subdomain + "." + svc.Domain,
				Zone:    svc.Domain,
				Content: target,
				TTL:     ttl,
				Managed: true,
			},
		})
	}
	return desired
}

// scanStates joins enabled services against their server's latest
// completed scan. Services on servers without fresh scan data are
// omitted so stale data never flags anything.
func scanStates(services []database.Service) []ScanState {
	scansByServer := make(map[string]map[int]bool)

	for _, svc := range services {
		if svc.ServerID == "" {
			continue
		}
		if _, loaded := scansByServer[svc.ServerID]; loaded {
			continue
		}
		srv, err := database.GetServer(svc.ServerID)
		if err != nil || srv.ScanStatus != "completed" {
			continue
		}
		var entries []agentwire.ScanEntry
		if err := json.Unmarshal([]byte(srv.DetectedServices), &entries); err != nil {
			log.Printf("[reconcile] server %s: bad scan payload: %v", svc.ServerID, err)
			continue
		}
		ports := make(map[int]bool, len(entries))
		for _, e := range entries {
			ports[e.Port] = true
		}
		scansByServer[svc.ServerID] = ports
	}

	var states []ScanState
	for _, svc := range services {
		ports, ok := scansByServer[svc.ServerID]
		if !ok {
			continue
		}
		states = append(states, ScanState{
			ServiceID:       svc.ID,
			SeenInScan:      ports[svc.Port],
			ScanMisses:      svc.ScanMisses,
			PossiblyOffline: svc.PossiblyOffline,
		})
	}
	return states
}

// tunnelHost extracts the hostname a DNS record should point at from a
// public tunnel URL.
func tunnelHost(publicURL string) string {
	if publicURL == "" {
		return ""
	}
	u, err := url.Parse(publicURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

func defaultTTL() int {
	val, err := database.GetSetting("default_dns_ttl")
	if err != nil {
		return 3600
	}
	ttl, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || ttl <= 0 {
		return 3600
	}
	return ttl
}

// dbStore persists convergence results through the database package.
type dbStore struct{}

func (dbStore) SaveBinding(serviceID uint, provider string, rec dns.Record) error {
	records, err := database.ListDNSRecords()
	if err != nil {
		return err
	}
	row := &database.DNSRecord{
		RecordType: rec.Type,
		Name:       rec.Name,
		Zone:       rec.Zone,
		ServiceID:  serviceID,
	}
	for i := range records {
		r := &records[i]
		if r.RecordType == rec.Type && r.Name == rec.Name && r.Zone == rec.Zone {
			row = r
			break
		}
	}
	row.Content = rec.Content
	row.TTL = rec.TTL
	row.Proxied = rec.Proxied
	row.ProviderRecordID = rec.ID
	return database.SaveDNSRecord(row)
}

func (dbStore) DeleteBinding(provider string, rec dns.Record) error {
	records, err := database.ListDNSRecords()
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.RecordType == rec.Type && r.Name == rec.Name && r.Zone == rec.Zone {
			return database.DeleteDNSRecord(r.ID)
		}
	}
	return nil
}

func (dbStore) RecordScanMiss(serviceID uint) error {
	return database.RecordScanMiss(serviceID)
}

func (dbStore) FlagPossiblyOffline(serviceID uint) error {
	return database.FlagPossiblyOffline(serviceID)
}

func (dbStore) ClearScanMisses(serviceID uint) error {
	return database.ClearScanMisses(serviceID)
}
