package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const cloudflareAPI = "https://api.cloudflare.com/client/v4"

// Cloudflare talks to the Cloudflare v4 REST API with a bearer token.
// Zone ids are resolved by name and cached for the client's lifetime.
type Cloudflare struct {
	token   string
	baseURL string
	client  *http.Client
	zoneIDs map[string]string
}

func NewCloudflare(token string) *Cloudflare {
	return &Cloudflare{
		token:   token,
		baseURL: cloudflareAPI,
		client:  &http.Client{Timeout: 15 * time.Second},
		zoneIDs: make(map[string]string),
	}
}

// NewCloudflareWithBase overrides the API endpoint, used in tests.
func NewCloudflareWithBase(token, base string) *Cloudflare {
	cf := NewCloudflare(token)
	cf.baseURL = base
	return cf
}

func (c *Cloudflare) Name() string { return "cloudflare" }

type cfEnvelope struct {
	Success bool            `json:"success"`
	Errors  []cfError       `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type cfError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cfRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
	Comment string `json:"comment,omitempty"`
}

type cfZone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Cloudflare) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloudflare %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env cfEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("cloudflare %s %s: decode: %w", method, path, err)
	}
	if !env.Success {
		msg := "unknown error"
		if len(env.Errors) > 0 {
			msg = env.Errors[0].Message
		}
		return fmt.Errorf("cloudflare %s %s: %s", method, path, msg)
	}
	if out != nil {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}

func (c *Cloudflare) zoneID(ctx context.Context, zone string) (string, error) {
	if id, ok := c.zoneIDs[zone]; ok {
		return id, nil
	}
	var zones []cfZone
	path := "/zones?name=" + url.QueryEscape(zone)
	if err := c.do(ctx, http.MethodGet, path, nil, &zones); err != nil {
		return "", err
	}
	if len(zones) == 0 {
		return "", fmt.Errorf("cloudflare: zone %s not found", zone)
	}
	c.zoneIDs[zone] = zones[0].ID
	return zones[0].ID, nil
}

func (c *Cloudflare) ListRecords(ctx context.Context, zone string) ([]Record, error) {
	zid, err := c.zoneID(ctx, zone)
	if err != nil {
		return nil, err
	}
	var raw []cfRecord
	if err := c.do(ctx, http.MethodGet, "/zones/"+zid+"/dns_records?per_page=500", nil, &raw); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raw))
	for _, r := range raw {
		records = append(records, Record{
			ID:      r.ID,
			Type:    r.Type,
			Name:    r.Name,
			Zone:    zone,
			Content: r.Content,
			TTL:     r.TTL,
			Proxied: r.Proxied,
			Managed: r.Comment == ManagedMarker,
		})
	}
	return records, nil
}

func (c *Cloudflare) CreateRecord(ctx context.Context, rec Record) (Record, error) {
	zid, err := c.zoneID(ctx, rec.Zone)
	if err != nil {
		return Record{}, err
	}
	body := cfRecord{
		Type:    rec.Type,
		Name:    rec.Name,
		Content: rec.Content,
		TTL:     rec.TTL,
		Proxied: rec.Proxied,
		Comment: ManagedMarker,
	}
	var created cfRecord
	if err := c.do(ctx, http.MethodPost, "/zones/"+zid+"/dns_records", body, &created); err != nil {
		return Record{}, err
	}
	rec.ID = created.ID
	rec.Managed = true
	return rec, nil
}

func (c *Cloudflare) UpdateRecord(ctx context.Context, rec Record) error {
	zid, err := c.zoneID(ctx, rec.Zone)
	if err != nil {
		return err
	}
	body := cfRecord{
		Type:    rec.Type,
		Name:    rec.Name,
		Content: rec.Content,
		TTL:     rec.TTL,
		Proxied: rec.Proxied,
		Comment: ManagedMarker,
	}
	return c.do(ctx, http.MethodPut, "/zones/"+zid+"/dns_records/"+rec.ID, body, nil)
}

func (c *Cloudflare) DeleteRecord(ctx context.Context, zone, recordID string) error {
	zid, err := c.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, "/zones/"+zid+"/dns_records/"+recordID, nil, nil)
}
