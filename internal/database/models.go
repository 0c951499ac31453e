package database

import "time"

// Service lifecycle states. Active process state is owned by the
// supervisor; this column is the persisted observation of it.
const (
	ServiceStopped  = "stopped"
	ServiceStarting = "starting"
	ServiceRunning  = "running"
	ServiceCrashed  = "crashed"
	ServiceFailed   = "failed"
)

// Agent connectivity states for a server.
const (
	AgentNotInstalled = "not_installed"
	AgentConnected    = "connected"
	AgentDisconnected = "disconnected"
)

type Service struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string `gorm:"not null;index" json:"name"`
	Host         string `gorm:"not null;default:localhost" json:"host"`
	Port         int    `gorm:"not null;index" json:"port"`
	Protocol     string `gorm:"not null;default:http" json:"protocol"`
	ProviderKey  string `gorm:"not null;index" json:"provider_key"`
	DNSProvider  string `json:"dns_provider"`
	Domain       string `json:"domain"`
	Subdomain    string `json:"subdomain"`
	PasswordHash string `json:"-"` // bcrypt hash of the optional access password
	Enabled      bool   `gorm:"not null;default:true;index" json:"enabled"`

	// Observed status, written back by supervisor and reconciler.
	Status          string     `gorm:"not null;default:stopped;index" json:"status"`
	PublicURL       string     `json:"public_url"`
	ErrorMessage    string     `json:"error_message"`
	ScanMisses      int        `gorm:"not null;default:0" json:"scan_misses"`
	PossiblyOffline bool       `gorm:"not null;default:false" json:"possibly_offline"`
	StartedAt       *time.Time `json:"started_at"`

	ServerID  string    `gorm:"index" json:"server_id"` // owning remote server, empty = localhost
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Server struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"` // uuid
	Name        string `gorm:"not null;index" json:"name"`
	Host        string `gorm:"not null;index" json:"host"`
	Description string `json:"description"`
	IsLocal     bool   `gorm:"not null;default:false" json:"is_local"`

	// Agent-reported metadata.
	OSType    string `json:"os_type"`
	OSVersion string `json:"os_version"`
	NetworkIP string `json:"network_ip"`

	AgentStatus string     `gorm:"not null;default:not_installed" json:"agent_status"`
	LastSeen    *time.Time `json:"last_seen"`

	// Scan bookkeeping.
	ScanStatus        string     `gorm:"not null;default:idle" json:"scan_status"` // idle, scanning, completed, failed
	LastScanStarted   *time.Time `json:"last_scan_started"`
	LastScanCompleted *time.Time `json:"last_scan_completed"`
	DetectedServices  string     `gorm:"type:text;default:'[]'" json:"-"` // JSON scan result

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type DNSRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	RecordType string `gorm:"not null;size:10" json:"record_type"`
	Name       string `gorm:"not null" json:"name"` // subdomain, without the zone
	Zone       string `gorm:"not null" json:"zone"`
	Content    string `gorm:"not null" json:"content"`
	TTL        int    `gorm:"not null;default:3600" json:"ttl"`
	Proxied    bool   `gorm:"not null;default:false" json:"proxied"`

	// ID assigned by the DNS provider once the record exists upstream.
	ProviderRecordID string `json:"provider_record_id"`

	ServiceID uint      `gorm:"index" json:"service_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
