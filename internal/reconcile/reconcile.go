// Package reconcile converges desired exposure state (enabled services
// and their DNS bindings) with observed state (provider-side DNS
// records and port scans). Planning is pure; applying talks to
// providers and storage.
package reconcile

import (
	"fmt"

	"github.com/localrunapp/localrun/internal/dns"
)

// Action kinds produced by Plan.
const (
	ActionCreateDNS   = "create_dns"
	ActionUpdateDNS   = "update_dns"
	ActionDeleteDNS   = "delete_dns"
	ActionRecordMiss  = "record_scan_miss"
	ActionFlagOffline = "flag_offline"
	ActionClearMisses = "clear_scan_misses"
)

// A service is flagged possibly offline after this many consecutive
// scans without its port showing up.
const offlineThreshold = 2

// Action is one unit of convergence work. DNS actions carry the
// provider key and the record; scan actions carry the service id.
type Action struct {
	Kind      string
	Provider  string
	Record    dns.Record
	ServiceID uint
}

func (a Action) String() string {
	switch a.Kind {
	case ActionCreateDNS, ActionUpdateDNS:
		return fmt.Sprintf("%s %s %s -> %s", a.Kind, a.Record.Type, a.Record.Name, a.Record.Content)
	case ActionDeleteDNS:
		return fmt.Sprintf("%s %s %s", a.Kind, a.Record.Type, a.Record.Name)
	default:
		return fmt.Sprintf("%s service %d", a.Kind, a.ServiceID)
	}
}

// DesiredRecord is a DNS record a service wants to exist.
type DesiredRecord struct {
	ServiceID uint
	Provider  string
	Record    dns.Record
}

// ObservedRecord is a provider-side record together with the provider
// it was listed from.
type ObservedRecord struct {
	Provider string
	Record   dns.Record
}

// ScanState is one service's presence in the latest port scan plus its
// persisted miss counters.
type ScanState struct {
	ServiceID       uint
	SeenInScan      bool
	ScanMisses      int
	PossiblyOffline bool
}

// Input is a full snapshot for one planning run. Plan never mutates
// it.
type Input struct {
	Desired  []DesiredRecord
	Observed []ObservedRecord // provider records for all zones in Desired
	Scans    []ScanState      // empty when no scan data is fresh enough
}

func key(r dns.Record) string {
	return r.Type + "/" + r.Name + "/" + r.Zone
}

// Plan computes the actions that converge observed state onto desired
// state. It is pure and idempotent: once the actions of one run have
// been applied and the same world re-observed, the next run plans
// nothing.
//
// DNS records are matched on (type, name, zone). Only records carrying
// the managed marker are ever updated or deleted; a conflicting
// unmanaged record blocks the binding and is left alone. Services
// missing from consecutive scans are flagged, never torn down.
func Plan(in Input) []Action {
	var actions []Action

	observed := make(map[string]ObservedRecord, len(in.Observed))
	for _, o := range in.Observed {
		observed[key(o.Record)] = o
	}

	desiredKeys := make(map[string]bool, len(in.Desired))
	for _, d := range in.Desired {
		k := key(d.Record)
		desiredKeys[k] = true

		obs, exists := observed[k]
		cur := obs.Record
		if !exists {
			actions = append(actions, Action{
				Kind:      ActionCreateDNS,
				Provider:  d.Provider,
				Record:    d.Record,
				ServiceID: d.ServiceID,
			})
			continue
		}
		if !cur.Managed {
			// Someone else's record. Hands off.
			continue
		}
		if cur.Content != d.Record.Content || cur.TTL != d.Record.TTL || cur.Proxied != d.Record.Proxied {
			want := d.Record
			want.ID = cur.ID
			actions = append(actions, Action{
				Kind:      ActionUpdateDNS,
				Provider:  d.Provider,
				Record:    want,
				ServiceID: d.ServiceID,
			})
		}
	}

	for _, o := range in.Observed {
		if o.Record.Managed && !desiredKeys[key(o.Record)] {
			actions = append(actions, Action{
				Kind:     ActionDeleteDNS,
				Provider: o.Provider,
				Record:   o.Record,
			})
		}
	}

	for _, s := range in.Scans {
		switch {
		case s.SeenInScan:
			if s.ScanMisses > 0 || s.PossiblyOffline {
				actions = append(actions, Action{Kind: ActionClearMisses, ServiceID: s.ServiceID})
			}
		case s.PossiblyOffline:
			// Already flagged, nothing more to do.
		case s.ScanMisses >= offlineThreshold-1:
			actions = append(actions, Action{Kind: ActionFlagOffline, ServiceID: s.ServiceID})
		default:
			actions = append(actions, Action{Kind: ActionRecordMiss, ServiceID: s.ServiceID})
		}
	}

	return actions
}
