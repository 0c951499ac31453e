// Package observe collects observed exposure state from the local
// Docker daemon: tunnel containers the agent launched, labeled
// managed-by=localrun, and the public URLs recoverable from their
// logs.
package observe

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/localrunapp/localrun/internal/config"
	"github.com/localrunapp/localrun/internal/provider"
)

const (
	labelManagedBy = "managed-by=localrun"
	labelServiceID = "localrun.service-id"
	labelProvider  = "localrun.provider"
	labelPort      = "localrun.tunnel-port"

	logTailLines = "200"
)

// TunnelContainer is one managed tunnel container plus whatever public
// URL its logs reveal.
type TunnelContainer struct {
	ContainerID string
	ServiceID   uint
	Provider    string
	Port        int
	State       string
	StartedAt   time.Time
	PublicURL   string
}

// DockerCollector reads managed container state from one daemon.
type DockerCollector struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerCollector) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	d.available = true
	log.Println("[observe] docker daemon connected")
	return nil
}

func (d *DockerCollector) IsAvailable() bool {
	return d.available
}

// Collect lists managed tunnel containers and recovers public URLs
// from their recent log output. Containers without parseable labels
// are skipped.
func (d *DockerCollector) Collect(ctx context.Context) ([]TunnelContainer, error) {
	if !d.available {
		return nil, nil
	}

	f := filters.NewArgs()
	f.Add("label", labelManagedBy)
	list, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var result []TunnelContainer
	for _, c := range list {
		tc, ok := fromLabels(c.ID, c.State, c.Created, c.Labels)
		if !ok {
			continue
		}
		if c.State == "running" {
			tc.PublicURL = d.recoverURL(ctx, tc.ContainerID, tc.Provider)
			log.Printf("[observe] container %.12s: service %d via %s, up %s",
				tc.ContainerID, tc.ServiceID, tc.Provider, units.HumanDuration(time.Since(tc.StartedAt)))
		}
		result = append(result, tc)
	}
	return result, nil
}

// fromLabels parses container attribution labels.
func fromLabels(id, state string, created int64, labels map[string]string) (TunnelContainer, bool) {
	svcStr, ok := labels[labelServiceID]
	if !ok {
		return TunnelContainer{}, false
	}
	svcID, err := strconv.ParseUint(svcStr, 10, 32)
	if err != nil {
		return TunnelContainer{}, false
	}
	port, _ := strconv.Atoi(labels[labelPort])

	return TunnelContainer{
		ContainerID: id,
		ServiceID:   uint(svcID),
		Provider:    labels[labelProvider],
		Port:        port,
		State:       state,
		StartedAt:   time.Unix(created, 0),
	}, true
}

// recoverURL tails the container log and scans for a provider URL.
func (d *DockerCollector) recoverURL(ctx context.Context, containerID, providerKey string) string {
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTailLines,
	})
	if err != nil {
		log.Printf("[observe] container %.12s: logs: %v", containerID, err)
		return ""
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return ""
	}
	stdout.Write(stderr.Bytes())
	return provider.ExtractURLFor(providerKey, stdout.String())
}
