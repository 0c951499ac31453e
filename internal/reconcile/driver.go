package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/localrunapp/localrun/internal/dns"
	"github.com/sethvargo/go-retry"
)

// Store is the persistence surface the applier writes convergence
// results through.
type Store interface {
	SaveBinding(serviceID uint, provider string, rec dns.Record) error
	DeleteBinding(provider string, rec dns.Record) error
	RecordScanMiss(serviceID uint) error
	FlagPossiblyOffline(serviceID uint) error
	ClearScanMisses(serviceID uint) error
}

// Failure is one action that could not be applied.
type Failure struct {
	Action Action
	Err    error
}

// Report summarizes one apply run. A run with failures is partial, not
// aborted: remaining actions are still attempted.
type Report struct {
	Applied  int
	Failures []Failure
	Duration time.Duration
}

func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return fmt.Errorf("reconcile: %d of %d actions failed, first: %v",
		len(r.Failures), r.Applied+len(r.Failures), r.Failures[0].Err)
}

// Applier executes plans. DNS calls are retried with capped
// exponential backoff before counting as failed.
type Applier struct {
	Resolver *dns.Resolver
	Store    Store
	Attempts uint64 // DNS retry attempts per action
}

func (a *Applier) attempts() uint64 {
	if a.Attempts == 0 {
		return 3
	}
	return a.Attempts
}

// Apply runs every action in the plan, in order, continuing past
// individual failures.
func (a *Applier) Apply(ctx context.Context, plan []Action) Report {
	start := time.Now()
	var rep Report

	for _, act := range plan {
		if err := a.applyOne(ctx, act); err != nil {
			log.Printf("[reconcile] action failed: %s: %v", act, err)
			rep.Failures = append(rep.Failures, Failure{Action: act, Err: err})
			continue
		}
		rep.Applied++
	}

	rep.Duration = time.Since(start)
	if len(plan) > 0 {
		log.Printf("[reconcile] applied %d/%d actions in %s", rep.Applied, len(plan), rep.Duration.Round(time.Millisecond))
	}
	return rep
}

func (a *Applier) applyOne(ctx context.Context, act Action) error {
	switch act.Kind {
	case ActionCreateDNS:
		return a.withProvider(ctx, act.Provider, func(p dns.Provider) error {
			created, err := p.CreateRecord(ctx, act.Record)
			if err != nil {
				return err
			}
			return a.Store.SaveBinding(act.ServiceID, act.Provider, created)
		})
	case ActionUpdateDNS:
		return a.withProvider(ctx, act.Provider, func(p dns.Provider) error {
			if err := p.UpdateRecord(ctx, act.Record); err != nil {
				return err
			}
			return a.Store.SaveBinding(act.ServiceID, act.Provider, act.Record)
		})
	case ActionDeleteDNS:
		return a.withProvider(ctx, act.Provider, func(p dns.Provider) error {
			if err := p.DeleteRecord(ctx, act.Record.Zone, act.Record.ID); err != nil {
				return err
			}
			return a.Store.DeleteBinding(act.Provider, act.Record)
		})
	case ActionRecordMiss:
		return a.Store.RecordScanMiss(act.ServiceID)
	case ActionFlagOffline:
		return a.Store.FlagPossiblyOffline(act.ServiceID)
	case ActionClearMisses:
		return a.Store.ClearScanMisses(act.ServiceID)
	default:
		return fmt.Errorf("unknown action kind %q", act.Kind)
	}
}

// withProvider resolves the provider and retries the call with capped
// exponential backoff.
func (a *Applier) withProvider(ctx context.Context, key string, fn func(dns.Provider) error) error {
	p, err := a.Resolver.Resolve(key)
	if err != nil {
		return err
	}
	backoff := retry.WithMaxRetries(a.attempts(),
		retry.WithCappedDuration(10*time.Second, retry.NewExponential(500*time.Millisecond)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(p); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
