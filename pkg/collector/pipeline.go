package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/archive"
	"git.srvlab.io/whiskey/rosac/pkg/commands"
	"git.srvlab.io/whiskey/rosac/pkg/observability"
	"git.srvlab.io/whiskey/rosac/pkg/routeros"
)

// Stage names, used in the manifest and the stage duration metric
const (
	StageCommands = "commands"
	StageFiles    = "files"
	StageBackup   = "backup"
	StageConfig   = "config"
	StageSNMP     = "snmp"
	StageArchive  = "archive"
)

// Options selects the optional stages and carries run metadata
type Options struct {
	// WorkDir receives output/ and the final archive
	WorkDir string
	User    string
	Version string

	GetFiles   bool
	SysBackup  bool
	ConfBackup bool
	// SNMP enables the health stage when non-nil
	SNMP *routeros.SNMPConfig

	CommandTimeout time.Duration
	CommandRate    float64
	ArtifactWait   time.Duration

	// MetricsFile, when set, receives Prometheus textfile metrics after archiving
	MetricsFile string
	// Metrics is shared with the client's audit logger; a fresh registry when nil
	Metrics *observability.Metrics

	// Now is replaced in tests
	Now func() time.Time
}

// Summary is the result of a pipeline run
type Summary struct {
	Manifest *Manifest
	Archive  *archive.Result
}

// Pipeline runs all enabled stages against a connected client, then writes the
// manifest and archives the output tree.
type Pipeline struct {
	client  routeros.Client
	groups  []commands.CommandGroup
	metrics *observability.Metrics
	opts    Options
}

// NewPipeline creates a pipeline for the given client and command groups
func NewPipeline(client routeros.Client, groups []commands.CommandGroup, opts Options) *Pipeline {
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Pipeline{
		client:  client,
		groups:  groups,
		metrics: metrics,
		opts:    opts,
	}
}

// Metrics exposes the run metrics
func (p *Pipeline) Metrics() *observability.Metrics {
	return p.metrics
}

// Run executes the pipeline. Stage failures are recorded in the manifest and
// never abort the run. Cancelling ctx skips the remaining remote stages; the
// manifest and archive are still written. An error is returned only when the
// output tree cannot be prepared or the archive cannot be written.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	outputDir := filepath.Join(p.opts.WorkDir, OutputDirName)
	if err := prepareOutputDir(outputDir); err != nil {
		return nil, err
	}

	c, err := New(p.client, p.metrics, Config{
		OutputDir:      outputDir,
		CommandTimeout: p.opts.CommandTimeout,
		CommandRate:    p.opts.CommandRate,
		ArtifactWait:   p.opts.ArtifactWait,
	})
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		RunID:   uuid.New().String(),
		Version: p.opts.Version,
		Host:    p.client.GetAddress(),
		User:    p.opts.User,
		Started: p.opts.Now().UTC(),
	}
	klog.V(2).Infof("Starting collection run %s against %s", m.RunID, m.Host)

	p.stage(ctx, m, StageCommands, true, func(ctx context.Context) error {
		m.Groups = c.RunGroups(ctx, p.groups)
		return groupsError(m.Groups)
	})

	p.stage(ctx, m, StageFiles, p.opts.GetFiles, func(ctx context.Context) error {
		results, err := c.CollectFiles(ctx)
		m.Downloads = append(m.Downloads, results...)
		return err
	})

	p.stage(ctx, m, StageBackup, p.opts.SysBackup, func(ctx context.Context) error {
		r := c.CollectBackup(ctx)
		m.Downloads = append(m.Downloads, r)
		return r.Err
	})

	p.stage(ctx, m, StageConfig, p.opts.ConfBackup, func(ctx context.Context) error {
		r := c.CollectConfig(ctx)
		m.Downloads = append(m.Downloads, r)
		return r.Err
	})

	p.stage(ctx, m, StageSNMP, p.opts.SNMP != nil, func(ctx context.Context) error {
		return c.CollectHealth(ctx, *p.opts.SNMP)
	})

	m.Session = c.SessionState()
	m.Finished = p.opts.Now().UTC()
	m.Archive = archive.Name(OutputDirName, m.Finished)

	if err := m.Write(filepath.Join(outputDir, ManifestFile)); err != nil {
		// The collected artifacts matter more than their description
		klog.Warningf("Failed to write manifest: %v", err)
	}

	// Archive even when cancelled so partial results are kept
	start := time.Now()
	res, err := archive.Create(context.WithoutCancel(ctx), p.opts.WorkDir, OutputDirName, m.Finished)
	p.metrics.RecordStage(StageArchive, time.Since(start))
	if err != nil {
		return &Summary{Manifest: m}, fmt.Errorf("archiving %s: %w", outputDir, err)
	}
	p.metrics.RecordArchive(res.Bytes)

	if p.opts.MetricsFile != "" {
		if err := p.metrics.WriteTextfile(p.opts.MetricsFile); err != nil {
			klog.Warningf("%v", err)
		}
	}

	if n := m.Failures(); n > 0 {
		klog.Warningf("Collection finished with %d failures, see %s in %s", n, ManifestFile, res.Path)
	}
	return &Summary{Manifest: m, Archive: res}, nil
}

// stage runs fn when enabled and ctx is live, recording the outcome in m
func (p *Pipeline) stage(ctx context.Context, m *Manifest, name string, enabled bool, fn func(ctx context.Context) error) {
	sr := StageResult{Name: name, Enabled: enabled}
	defer func() { m.Stages = append(m.Stages, sr) }()

	if !enabled {
		klog.V(4).Infof("Stage %s disabled", name)
		return
	}
	if err := ctx.Err(); err != nil {
		sr.Error = fmt.Sprintf("not run: %v", err)
		klog.Warningf("Skipping stage %s: %v", name, err)
		return
	}

	klog.V(4).Infof("Running stage %s", name)
	start := time.Now()
	err := fn(ctx)
	sr.Duration = time.Since(start).Round(time.Millisecond)
	p.metrics.RecordStage(name, time.Since(start))
	if err != nil {
		sr.Error = err.Error()
	}
}

// groupsError summarises aborted groups for the stage record
func groupsError(groups []GroupResult) error {
	failed := 0
	for _, g := range groups {
		if g.Failed() {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d groups aborted", failed, len(groups))
}

// prepareOutputDir creates the output directory. A non-empty leftover tree from
// an earlier run is refused so its artifacts never end up in this archive.
func prepareOutputDir(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case err == nil && len(entries) > 0:
		return fmt.Errorf("output directory %s already exists and is not empty; archive or remove it first", dir)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to inspect output directory: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}
