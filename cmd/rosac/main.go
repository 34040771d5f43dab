package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/collector"
	"git.srvlab.io/whiskey/rosac/pkg/commands"
	"git.srvlab.io/whiskey/rosac/pkg/config"
	"git.srvlab.io/whiskey/rosac/pkg/observability"
	"git.srvlab.io/whiskey/rosac/pkg/routeros"
	"git.srvlab.io/whiskey/rosac/pkg/security"
)

// Set via -ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		klog.Errorf("%v", err)
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	klog.Flush()
}

func newRootCommand() *cobra.Command {
	var configPath string
	flagged := config.Defaults()

	cmd := &cobra.Command{
		Use:   "rosac",
		Short: "Collect diagnostic artifacts from a MikroTik RouterOS device",
		Long: `rosac connects to a RouterOS device over SSH, runs the command files found in
--cmdpath (one output file per file stem), optionally downloads the device
files, a system backup and a configuration export, and packs everything into
output_<timestamp>.tar.gz in the work directory.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(configPath, cmd.Flags(), flagged)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file; explicit flags override its values")
	config.BindFlags(cmd.Flags(), flagged)

	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	cmd.PersistentFlags().AddGoFlagSet(goFlags)

	return cmd
}

// run performs one collection. Setup and connection errors are returned;
// failures inside the collection are recorded in the manifest instead.
func run(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	groups, err := commands.LoadDir(cfg.CmdPath)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		klog.Warningf("No commands found in %s; the archive will only hold what the other stages collect", cfg.CmdPath)
	}
	klog.V(2).Infof("Loaded %d command groups from %s", len(groups), cfg.CmdPath)

	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to read SSH key from %s: %w", cfg.KeyFile, err)
	}
	klog.V(4).Infof("Loaded SSH key from %s", cfg.KeyFile)

	// Connection audit events are counted in the same registry as the run
	metrics := observability.NewMetrics()

	client, err := routeros.NewClient(routeros.ClientConfig{
		Address:        cfg.IP,
		Port:           cfg.Port,
		User:           cfg.Username,
		PrivateKey:     key,
		KeyPassphrase:  cfg.KeyPassphrase,
		KnownHostsFile: cfg.KnownHosts,
		Timeout:        cfg.ConnectTimeout,
		ConnectRetries: cfg.ConnectRetries,
		Audit:          security.NewLogger(metrics),
	})
	if err != nil {
		return fmt.Errorf("failed to create RouterOS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.IP, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			klog.Warningf("Failed to close connection: %v", err)
		}
	}()

	opts := collector.Options{
		WorkDir:        cfg.WorkDir,
		User:           cfg.Username,
		Version:        version,
		GetFiles:       cfg.GetFiles,
		SysBackup:      cfg.SysBackup,
		ConfBackup:     cfg.ConfBackup,
		CommandTimeout: cfg.CommandTimeout,
		CommandRate:    cfg.CommandRate,
		MetricsFile:    cfg.MetricsFile,
		Metrics:        metrics,
	}
	if cfg.SNMPCommunity != "" {
		opts.SNMP = &routeros.SNMPConfig{
			Port:      uint16(cfg.SNMPPort),
			Community: cfg.SNMPCommunity,
			Timeout:   5 * time.Second,
		}
	}

	summary, err := collector.NewPipeline(client, groups, opts).Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), summary.Archive.Path)
	if errors.Is(ctx.Err(), context.Canceled) {
		klog.Warning("Collection interrupted; the archive holds partial results")
	}
	return nil
}
