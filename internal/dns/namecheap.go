package dns

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const namecheapAPI = "https://api.namecheap.com/xml.response"

// Namecheap drives the Namecheap hosts API. The API replaces the whole
// host list per zone on every write, so each mutation is read-modify-
// write. Namecheap has no per-record metadata, so listed records carry
// no managed flag; the reconciler marks the ones it owns from its
// persisted bindings. Record ids are synthesized from type+name.
type Namecheap struct {
	apiUser  string
	apiKey   string
	username string
	clientIP string
	baseURL  string
	client   *http.Client
}

func NewNamecheap(apiUser, apiKey, username, clientIP string) *Namecheap {
	return &Namecheap{
		apiUser:  apiUser,
		apiKey:   apiKey,
		username: username,
		clientIP: clientIP,
		baseURL:  namecheapAPI,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

// NewNamecheapWithBase overrides the API endpoint, used in tests.
func NewNamecheapWithBase(apiUser, apiKey, username, clientIP, base string) *Namecheap {
	nc := NewNamecheap(apiUser, apiKey, username, clientIP)
	nc.baseURL = base
	return nc
}

func (n *Namecheap) Name() string { return "namecheap" }

type ncResponse struct {
	XMLName xml.Name  `xml:"ApiResponse"`
	Status  string    `xml:"Status,attr"`
	Errors  []ncError `xml:"Errors>Error"`
	Hosts   []ncHost  `xml:"CommandResponse>DomainDNSGetHostsResult>host"`
}

type ncError struct {
	Number  string `xml:"Number,attr"`
	Message string `xml:",chardata"`
}

type ncHost struct {
	HostID  string `xml:"HostId,attr"`
	Name    string `xml:"Name,attr"`
	Type    string `xml:"Type,attr"`
	Address string `xml:"Address,attr"`
	TTL     string `xml:"TTL,attr"`
}

func splitZone(zone string) (sld, tld string, err error) {
	parts := strings.SplitN(zone, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("namecheap: zone %q is not sld.tld", zone)
	}
	return parts[0], parts[1], nil
}

func (n *Namecheap) call(ctx context.Context, params url.Values) (*ncResponse, error) {
	params.Set("ApiUser", n.apiUser)
	params.Set("ApiKey", n.apiKey)
	params.Set("UserName", n.username)
	params.Set("ClientIp", n.clientIP)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("namecheap %s: %w", params.Get("Command"), err)
	}
	defer resp.Body.Close()

	var parsed ncResponse
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("namecheap %s: decode: %w", params.Get("Command"), err)
	}
	if parsed.Status != "OK" {
		msg := "unknown error"
		if len(parsed.Errors) > 0 {
			msg = strings.TrimSpace(parsed.Errors[0].Message)
		}
		return nil, fmt.Errorf("namecheap %s: %s", params.Get("Command"), msg)
	}
	return &parsed, nil
}

func (n *Namecheap) ListRecords(ctx context.Context, zone string) ([]Record, error) {
	sld, tld, err := splitZone(zone)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("Command", "namecheap.domains.dns.getHosts")
	params.Set("SLD", sld)
	params.Set("TLD", tld)

	resp, err := n.call(ctx, params)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Hosts))
	for _, h := range resp.Hosts {
		ttl, _ := strconv.Atoi(h.TTL)
		name := zone
		if h.Name != "@" {
			name = h.Name + "." + zone
		}
		records = append(records, Record{
			ID:      recordKey(h.Type, name),
			Type:    h.Type,
			Name:    name,
			Zone:    zone,
			Content: h.Address,
			TTL:     ttl,
		})
	}
	return records, nil
}

// recordKey synthesizes a stable id for hosts APIs that lack one.
func recordKey(rtype, name string) string {
	return rtype + "/" + name
}

// setHosts replaces the zone's whole host list.
func (n *Namecheap) setHosts(ctx context.Context, zone string, hosts []Record) error {
	sld, tld, err := splitZone(zone)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("Command", "namecheap.domains.dns.setHosts")
	params.Set("SLD", sld)
	params.Set("TLD", tld)

	for i, h := range hosts {
		idx := strconv.Itoa(i + 1)
		name := "@"
		if h.Name != zone {
			name = strings.TrimSuffix(h.Name, "."+zone)
		}
		params.Set("HostName"+idx, name)
		params.Set("RecordType"+idx, h.Type)
		params.Set("Address"+idx, h.Content)
		params.Set("TTL"+idx, strconv.Itoa(h.TTL))
	}

	_, err = n.call(ctx, params)
	return err
}

func (n *Namecheap) CreateRecord(ctx context.Context, rec Record) (Record, error) {
	existing, err := n.ListRecords(ctx, rec.Zone)
	if err != nil {
		return Record{}, err
	}
	rec.ID = recordKey(rec.Type, rec.Name)
	rec.Managed = true
	if err := n.setHosts(ctx, rec.Zone, append(existing, rec)); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (n *Namecheap) UpdateRecord(ctx context.Context, rec Record) error {
	existing, err := n.ListRecords(ctx, rec.Zone)
	if err != nil {
		return err
	}
	replaced := false
	for i, h := range existing {
		if h.ID == rec.ID {
			existing[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		return fmt.Errorf("namecheap: record %s not found in zone %s", rec.ID, rec.Zone)
	}
	return n.setHosts(ctx, rec.Zone, existing)
}

func (n *Namecheap) DeleteRecord(ctx context.Context, zone, recordID string) error {
	existing, err := n.ListRecords(ctx, zone)
	if err != nil {
		return err
	}
	kept := existing[:0]
	for _, h := range existing {
		if h.ID != recordID {
			kept = append(kept, h)
		}
	}
	return n.setHosts(ctx, zone, kept)
}
