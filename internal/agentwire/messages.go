// Package agentwire defines the JSON message contract between the
// backend and the host agents. One websocket per agent carries every
// message kind; terminal frames are distinguished by session id.
package agentwire

import "encoding/json"

// Agent → backend message types.
const (
	TypeRegister       = "register"
	TypeStats          = "stats"
	TypeScanResult     = "scan_result"
	TypeTerminalOutput = "terminal_output"
	TypeTerminalClosed = "terminal_closed"
	TypePing           = "ping"
)

// Backend → agent message types.
const (
	TypeRegistrationSuccess = "registration_success"
	TypeConfigUpdate        = "config_update"
	TypeScanRequest         = "scan_request"
	TypeTerminalOpen        = "terminal_open"
	TypeTerminalInput       = "terminal_input"
	TypeTerminalResize      = "terminal_resize"
	TypeTerminalClose       = "terminal_close"
	TypePong                = "pong"
)

// Message is the envelope for every frame on the agent channel. Only
// the fields relevant to a given Type are populated.
type Message struct {
	Type      string          `json:"type"`
	ServerID  string          `json:"server_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Terminal frame payload. Input/output bytes travel base64-encoded
	// through encoding/json's []byte handling.
	Bytes []byte `json:"bytes,omitempty"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
}

// RegisterPayload is the Data of a TypeRegister message.
type RegisterPayload struct {
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	OSVersion string `json:"os_version,omitempty"`
	LocalIP   string `json:"local_ip,omitempty"`
	IsLocal   bool   `json:"is_localhost,omitempty"`
}

// ConfigUpdatePayload is the Data of a TypeConfigUpdate message. The
// backend pushes it right after registration so the agent adopts the
// backend's timing contract instead of shipping its own defaults.
type ConfigUpdatePayload struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	StatsIntervalSeconds     int `json:"stats_interval_seconds,omitempty"`
}

// StatsPayload is the Data of a TypeStats message. Stats double as
// heartbeats: any stats frame refreshes the agent's last-seen time.
type StatsPayload struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryGB      float64 `json:"memory_gb,omitempty"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskGB        float64 `json:"disk_gb,omitempty"`
	OSType        string  `json:"os_type,omitempty"`
	LocalIP       string  `json:"local_ip,omitempty"`
}

// ScanEntry is one discovered listening port with best-effort
// attribution.
type ScanEntry struct {
	Port        int    `json:"port"`
	Protocol    string `json:"protocol,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	ServiceHint string `json:"service_hint,omitempty"`
}

// ScanResultPayload is the Data of a TypeScanResult message.
type ScanResultPayload struct {
	Entries []ScanEntry `json:"entries"`
}
