// Package collector implements the collection stages that run against one
// RouterOS device: command groups, file downloads, backup and configuration
// export, SNMP health, and the run manifest.
//
// Every remote operation goes through the session breaker, so a dead SSH
// session fails the remaining stages fast instead of stalling each of them.
// Command-style operations are additionally paced by a rate limiter and bounded
// by the per-command timeout.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/rosac/pkg/observability"
	"git.srvlab.io/whiskey/rosac/pkg/routeros"
	"git.srvlab.io/whiskey/rosac/pkg/security"
	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// Local output layout, relative to the output directory
const (
	// OutputDirName is the directory created in the work dir and archived at the end
	OutputDirName = "output"
	// FilesDir receives downloaded device files
	FilesDir = "files"
	// HealthFile holds the SNMP health readings
	HealthFile = "snmp_health.txt"
	// ManifestFile describes the run
	ManifestFile = "manifest.yaml"

	// DefaultArtifactWait bounds how long backup/export files are polled for
	DefaultArtifactWait = 10 * time.Second
)

// Config holds the tunables of a Collector
type Config struct {
	// OutputDir is the directory all artifacts are written below
	OutputDir string
	// CommandTimeout bounds each remote command (0 = no timeout)
	CommandTimeout time.Duration
	// CommandRate caps remote commands per second (0 = unlimited)
	CommandRate float64
	// ArtifactWait bounds the wait for backup/export files (0 = DefaultArtifactWait)
	ArtifactWait time.Duration
}

// Collector runs collection stages against one connected device
type Collector struct {
	client  routeros.Client
	breaker *circuitbreaker.SessionBreaker
	limiter *rate.Limiter
	metrics *observability.Metrics
	audit   *security.Logger
	config  Config

	// collectHealth is replaced in tests
	collectHealth func(ctx context.Context, cfg routeros.SNMPConfig) (*routeros.HardwareHealth, error)
}

// New creates a Collector. metrics may be nil.
func New(client routeros.Client, metrics *observability.Metrics, config Config) (*Collector, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if config.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if config.CommandRate < 0 {
		return nil, fmt.Errorf("command rate cannot be negative")
	}
	if config.ArtifactWait == 0 {
		config.ArtifactWait = DefaultArtifactWait
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	limit := rate.Inf
	if config.CommandRate > 0 {
		limit = rate.Limit(config.CommandRate)
	}

	audit := security.NewLogger(metrics)
	return &Collector{
		client:        client,
		breaker:       circuitbreaker.NewSessionBreaker(audit),
		limiter:       rate.NewLimiter(limit, 1),
		metrics:       metrics,
		audit:         audit,
		config:        config,
		collectHealth: routeros.CollectHealth,
	}, nil
}

// SessionState reports the session breaker state ("closed", "open", "half-open")
func (c *Collector) SessionState() string {
	return c.breaker.State(c.client.GetAddress())
}

// command runs a command-style remote operation: paced, breaker-guarded and
// bounded by the per-command timeout. A timed out command only counts against
// the session when the device no longer opens channels afterwards.
func (c *Collector) command(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	return c.breaker.Execute(ctx, c.client.GetAddress(), func() error {
		cmdCtx := ctx
		if c.config.CommandTimeout > 0 {
			var cancel context.CancelFunc
			cmdCtx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
			defer cancel()
		}
		err := fn(cmdCtx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !c.client.IsConnected() {
			return fmt.Errorf("%w after timeout: %w", utils.ErrSessionLost, err)
		}
		return err
	})
}

// runCommand executes one device command through command()
func (c *Collector) runCommand(ctx context.Context, cmd string) (string, error) {
	var output string
	err := c.command(ctx, func(ctx context.Context) error {
		var err error
		output, err = c.client.RunCommand(ctx, cmd)
		return err
	})
	return output, err
}

// download fetches one remote file, guarded by the breaker but not timed out
// or paced like commands
func (c *Collector) download(ctx context.Context, kind, remoteName, localPath string) (int64, error) {
	var n int64
	err := c.breaker.Execute(ctx, c.client.GetAddress(), func() error {
		var err error
		n, err = c.client.Download(ctx, remoteName, localPath)
		return err
	})
	c.metrics.RecordDownload(kind, n, err)
	c.audit.LogFileDownload(c.client.GetAddress(), remoteName, localPath, n, err)
	if err != nil {
		return n, err
	}
	klog.V(4).Infof("Saved %s to %s (%d bytes)", remoteName, localPath, n)
	return n, nil
}
