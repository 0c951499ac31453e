package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/localrun.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/localrun.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DockerHost   string `envconfig:"DOCKER_HOST" default:""`

	// Tunnel supervision
	StartGracePeriod  time.Duration `envconfig:"START_GRACE_PERIOD" default:"3s"`
	StopKillTimeout   time.Duration `envconfig:"STOP_KILL_TIMEOUT" default:"5s"`
	RestartBackoffMin time.Duration `envconfig:"RESTART_BACKOFF_MIN" default:"1s"`
	RestartBackoffMax time.Duration `envconfig:"RESTART_BACKOFF_MAX" default:"60s"`
	CrashCeiling      int           `envconfig:"CRASH_CEILING" default:"5"`
	CrashWindow       time.Duration `envconfig:"CRASH_WINDOW" default:"2m"`
	HealthyResetAfter time.Duration `envconfig:"HEALTHY_RESET_AFTER" default:"60s"`

	// Agent registry
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"15s"`
	SubscriberBuffer  int           `envconfig:"SUBSCRIBER_BUFFER" default:"16"`

	// Reconciliation
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	DNSRetryAttempts  uint64        `envconfig:"DNS_RETRY_ATTEMPTS" default:"3"`

	// Provider integrations
	ProviderSpecPath  string `envconfig:"PROVIDER_SPEC_PATH" default:""`
	CloudflareToken   string `envconfig:"CLOUDFLARE_TOKEN" default:""`
	NgrokAuthToken    string `envconfig:"NGROK_AUTH_TOKEN" default:""`
	NamecheapAPIUser  string `envconfig:"NAMECHEAP_API_USER" default:""`
	NamecheapAPIKey   string `envconfig:"NAMECHEAP_API_KEY" default:""`
	NamecheapClientIP string `envconfig:"NAMECHEAP_CLIENT_IP" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("LOCALRUN", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
