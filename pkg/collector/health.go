package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/routeros"
	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// CollectHealth reads the device health MIB over SNMP and writes
// output/snmp_health.txt. Readings are also exported as metrics.
func (c *Collector) CollectHealth(ctx context.Context, cfg routeros.SNMPConfig) error {
	if cfg.Target == "" {
		cfg.Target = c.client.GetAddress()
	}

	health, err := c.collectHealth(ctx, cfg)
	if err != nil {
		return utils.NewStageError("snmp", cfg.Target, err)
	}

	path := filepath.Join(c.config.OutputDir, HealthFile)
	if err := writeHealth(path, health); err != nil {
		return utils.NewStageError("snmp", cfg.Target, err)
	}

	present := 0
	for _, r := range health.Readings {
		if r.Present {
			present++
			c.metrics.RecordHealth(r.Name, r.Unit, r.Value)
		}
	}
	klog.V(2).Infof("Wrote %d of %d health readings to %s", present, len(health.Readings), HealthFile)
	return nil
}

func writeHealth(path string, health *routeros.HardwareHealth) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := health.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
