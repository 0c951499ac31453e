package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	old := Cfg
	t.Cleanup(func() { Cfg = old })

	Load()

	if Cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q", Cfg.ListenAddr)
	}
	if Cfg.HeartbeatTimeout != 15*time.Second {
		t.Errorf("HeartbeatTimeout = %s", Cfg.HeartbeatTimeout)
	}
	if Cfg.CrashCeiling != 5 || Cfg.CrashWindow != 2*time.Minute {
		t.Errorf("crash ceiling/window = %d/%s", Cfg.CrashCeiling, Cfg.CrashWindow)
	}
	if Cfg.RestartBackoffMin != time.Second || Cfg.RestartBackoffMax != 60*time.Second {
		t.Errorf("backoff = %s..%s", Cfg.RestartBackoffMin, Cfg.RestartBackoffMax)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	old := Cfg
	t.Cleanup(func() { Cfg = old })

	t.Setenv("LOCALRUN_LISTEN_ADDR", ":9090")
	t.Setenv("LOCALRUN_HEARTBEAT_TIMEOUT", "30s")
	t.Setenv("LOCALRUN_SUBSCRIBER_BUFFER", "64")

	Load()

	if Cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", Cfg.ListenAddr)
	}
	if Cfg.HeartbeatTimeout != 30*time.Second {
		t.Errorf("HeartbeatTimeout = %s", Cfg.HeartbeatTimeout)
	}
	if Cfg.SubscriberBuffer != 64 {
		t.Errorf("SubscriberBuffer = %d", Cfg.SubscriberBuffer)
	}
}
