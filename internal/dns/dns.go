// Package dns manages public DNS records for services exposed under a
// custom domain. Providers are addressed by key; records the backend
// created carry a managed marker so reconciliation never touches
// records owned by someone else.
package dns

import (
	"context"
	"errors"
	"fmt"
)

// ManagedMarker tags records created by this backend. Providers store
// it in whatever metadata field they have (Cloudflare comments);
// providers without record metadata list everything unmanaged and the
// reconciler recovers ownership from its persisted bindings.
const ManagedMarker = "managed-by=localrun"

var ErrUnknownProvider = errors.New("unknown dns provider")

// Record is one provider-side DNS entry in normalized form.
type Record struct {
	ID      string // provider-assigned id, empty before creation
	Type    string // "A", "AAAA", "CNAME", "TXT"
	Name    string // fully qualified, e.g. app.example.com
	Zone    string // apex zone, e.g. example.com
	Content string
	TTL     int
	Proxied bool
	Managed bool // true when the record carries our marker
}

// Provider is one DNS backend. Implementations must return only
// records within the requested zone and must preserve the managed
// marker across updates.
type Provider interface {
	Name() string
	ListRecords(ctx context.Context, zone string) ([]Record, error)
	CreateRecord(ctx context.Context, rec Record) (Record, error)
	UpdateRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, zone, recordID string) error
}

// Resolver maps provider keys to configured providers.
type Resolver struct {
	providers map[string]Provider
}

func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Resolve returns the provider for a key.
func (r *Resolver) Resolve(key string) (Provider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, key)
	}
	return p, nil
}

// Keys lists configured provider keys.
func (r *Resolver) Keys() []string {
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	return keys
}
