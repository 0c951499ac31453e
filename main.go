package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/localrunapp/localrun/internal/config"
	"github.com/localrunapp/localrun/internal/database"
	"github.com/localrunapp/localrun/internal/dns"
	"github.com/localrunapp/localrun/internal/handlers"
	"github.com/localrunapp/localrun/internal/logging"
	"github.com/localrunapp/localrun/internal/observe"
	"github.com/localrunapp/localrun/internal/provider"
	"github.com/localrunapp/localrun/internal/reconcile"
	"github.com/localrunapp/localrun/internal/registry"
	"github.com/localrunapp/localrun/internal/supervisor"
	"github.com/localrunapp/localrun/internal/terminal"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if config.Cfg.ProviderSpecPath != "" {
		if err := provider.LoadSpecFile(config.Cfg.ProviderSpecPath); err != nil {
			log.Fatalf("Provider spec file: %v", err)
		}
	}
	log.Printf("Tunnel providers: %v", provider.Keys())

	// Supervisor with a real process driver behind the factory.
	supCfg := supervisor.Config{
		GracePeriod:       config.Cfg.StartGracePeriod,
		KillTimeout:       config.Cfg.StopKillTimeout,
		BackoffMin:        config.Cfg.RestartBackoffMin,
		BackoffMax:        config.Cfg.RestartBackoffMax,
		CrashCeiling:      config.Cfg.CrashCeiling,
		CrashWindow:       config.Cfg.CrashWindow,
		HealthyResetAfter: config.Cfg.HealthyResetAfter,
	}
	sup := supervisor.New(newTunnelDriver, supCfg)
	sup.OnTransition = func(serviceID uint, state supervisor.State, publicURL, errMsg string) {
		if err := database.UpdateServiceStatus(serviceID, string(state), publicURL, errMsg); err != nil {
			log.Printf("Status write-back for service %d: %v", serviceID, err)
		}
	}

	// Agent registry and terminal bridge, cross-wired.
	reg := registry.New(registry.Config{
		HeartbeatTimeout: config.Cfg.HeartbeatTimeout,
		SubscriberBuffer: config.Cfg.SubscriberBuffer,
	})
	bridge := terminal.NewBridge(reg)
	reg.CloseSessions = bridge.CloseForServer
	reg.OnStatusChange = func(serverID, status string) {
		if err := database.MarkAgentStatus(serverID, status); err != nil {
			log.Printf("Agent status write-back for %s: %v", serverID, err)
		}
	}

	// DNS providers from configured credentials.
	var providers []dns.Provider
	if config.Cfg.CloudflareToken != "" {
		providers = append(providers, dns.NewCloudflare(config.Cfg.CloudflareToken))
	}
	if config.Cfg.NamecheapAPIKey != "" {
		providers = append(providers, dns.NewNamecheap(
			config.Cfg.NamecheapAPIUser, config.Cfg.NamecheapAPIKey,
			config.Cfg.NamecheapAPIUser, config.Cfg.NamecheapClientIP))
	}
	resolver := dns.NewResolver(providers...)
	log.Printf("DNS providers: %v", resolver.Keys())

	reconciler := reconcile.NewRunner(resolver, config.Cfg.DNSRetryAttempts)

	handlers.Supervisor = sup
	handlers.Registry = reg
	handlers.TermBridge = bridge
	handlers.Reconciler = reconciler

	ctx := context.Background()

	// Observed-state collector; docker is optional at runtime.
	collector := &observe.DockerCollector{}
	if err := collector.Initialize(ctx); err != nil {
		log.Printf("WARNING: docker unavailable, container observation disabled: %v", err)
	}

	reg.StartSweeper(ctx, config.Cfg.HeartbeatInterval)

	c := cron.New()
	c.AddFunc(fmt.Sprintf("@every %s", config.Cfg.ReconcileInterval), func() {
		runCtx, cancel := context.WithTimeout(ctx, config.Cfg.ReconcileInterval)
		defer cancel()

		recoverTunnelState(runCtx, collector)
		if _, err := reconciler.Run(runCtx); err != nil {
			log.Printf("Periodic reconcile: %v", err)
		}
	})
	c.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws/agent", handlers.AgentWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/services", handlers.ListServices)
		r.Post("/services/start-all", handlers.StartAllServices)
		r.Post("/services/stop-all", handlers.StopAllServices)
		r.Post("/services/{id}/start", handlers.StartService)
		r.Post("/services/{id}/stop", handlers.StopService)
		r.Post("/services/{id}/restart", handlers.RestartService)
		r.Get("/services/{id}/status", handlers.ServiceStatus)

		r.Get("/servers", handlers.ListServers)
		r.Get("/servers/{id}", handlers.GetServerInfo)
		r.Post("/servers/{id}/scan", handlers.RequestScan)
		r.Get("/servers/{id}/stats/ws", handlers.ServerStatsWS)
		r.Get("/servers/{id}/terminal", handlers.TerminalWS)

		r.Post("/reconcile", handlers.RunReconcile)

		r.Get("/logs", handlers.GetLogs)
		r.Delete("/logs", handlers.ClearLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	c.Stop()
	sup.StopAll()
	reg.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// newTunnelDriver is the supervisor's factory: one provider subprocess
// per service.
func newTunnelDriver(svc database.Service) (supervisor.TunnelProcess, error) {
	spec, err := provider.Get(svc.ProviderKey)
	if err != nil {
		return nil, err
	}
	t := provider.Tunnel{
		ServiceID: svc.ID,
		Host:      svc.Host,
		Port:      svc.Port,
		Protocol:  svc.Protocol,
		Domain:    svc.Domain,
		Subdomain: svc.Subdomain,
	}
	if svc.ProviderKey == "ngrok" {
		t.AuthToken = config.Cfg.NgrokAuthToken
	}
	return provider.NewDriver(spec, t), nil
}

// recoverTunnelState reconciles persisted service status against
// containers the agent actually has running: a service marked running
// whose tunnel container is gone loses its URL, and a recoverable URL
// from container logs is written back.
func recoverTunnelState(ctx context.Context, collector *observe.DockerCollector) {
	if !collector.IsAvailable() {
		return
	}
	containers, err := collector.Collect(ctx)
	if err != nil {
		log.Printf("Container observation: %v", err)
		return
	}

	byService := make(map[uint]observe.TunnelContainer, len(containers))
	for _, c := range containers {
		byService[c.ServiceID] = c
	}

	services, err := database.ListEnabledServices()
	if err != nil {
		return
	}
	for _, svc := range services {
		c, found := byService[svc.ID]
		if !found {
			continue
		}
		if c.State == "running" && c.PublicURL != "" && c.PublicURL != svc.PublicURL {
			log.Printf("Recovered tunnel URL for service %d from container logs", svc.ID)
			database.UpdateServiceStatus(svc.ID, database.ServiceRunning, c.PublicURL, "")
		}
		if c.State != "running" && svc.Status == database.ServiceRunning {
			database.UpdateServiceStatus(svc.ID, database.ServiceCrashed, "", "tunnel container not running")
		}
	}
}
