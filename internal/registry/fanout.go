package registry

import (
	"sync"
	"time"

	"github.com/localrunapp/localrun/internal/agentwire"
)

// Event types delivered to dashboard subscribers.
const (
	EventStats       = "stats_update"
	EventAgentStatus = "agent_status_change"
	EventScanStatus  = "scan_status"
)

// Event is one item on a subscriber stream.
type Event struct {
	Type        string                  `json:"type"`
	ServerID    string                  `json:"server_id"`
	Stats       *agentwire.StatsPayload `json:"stats,omitempty"`
	AgentStatus string                  `json:"agent_status,omitempty"`
	ScanStatus  string                  `json:"scan_status,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

// Subscriber is one dashboard viewer's delivery queue for a single
// host. Events arrive in publish order; when the queue overflows the
// oldest event is dropped, because recency matters more than
// completeness for live metrics.
type Subscriber struct {
	id       uint64
	serverID string
	ch       chan Event
}

// Events is the subscriber's receive stream. It is closed on
// Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// hub fans each host's event stream out to any number of subscribers.
// Publishing never blocks: each subscriber has a bounded buffer with
// drop-oldest overflow, so a slow or absent viewer cannot stall the
// agent read loop or other viewers.
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscriber
	buf    int
	nextID uint64
}

func newHub(buf int) *hub {
	if buf <= 0 {
		buf = 16
	}
	return &hub{
		subs: make(map[string]map[uint64]*Subscriber),
		buf:  buf,
	}
}

func (h *hub) subscribe(serverID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id:       h.nextID,
		serverID: serverID,
		ch:       make(chan Event, h.buf),
	}
	if h.subs[serverID] == nil {
		h.subs[serverID] = make(map[uint64]*Subscriber)
	}
	h.subs[serverID][sub.id] = sub
	return sub
}

func (h *hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.subs[sub.serverID]
	if !ok {
		return
	}
	if _, ok := peers[sub.id]; !ok {
		return
	}
	delete(peers, sub.id)
	if len(peers) == 0 {
		delete(h.subs, sub.serverID)
	}
	close(sub.ch)
}

// publish delivers ev to every current subscriber for the host. Held
// under the hub lock so per-subscriber ordering matches publish order.
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[ev.ServerID] {
		select {
		case sub.ch <- ev:
		default:
			// Full: evict the oldest queued event, then enqueue.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// subscriberCount reports the live subscriber count for a host.
func (h *hub) subscriberCount(serverID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[serverID])
}
