package routeros

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gosnmp/gosnmp"
	"k8s.io/klog/v2"
)

// healthOID describes one MIKROTIK-MIB::mtxrHealth value
type healthOID struct {
	name  string
	oid   string
	unit  string
	scale float64 // raw value is multiplied by scale
}

// MIKROTIK-MIB::mtxrHealth (1.3.6.1.4.1.14988.1.1.3)
// Temperatures and voltages are reported in tenths.
var healthOIDs = []healthOID{
	{name: "voltage", oid: "1.3.6.1.4.1.14988.1.1.3.8.0", unit: "V", scale: 0.1},
	{name: "temperature", oid: "1.3.6.1.4.1.14988.1.1.3.10.0", unit: "C", scale: 0.1},
	{name: "cpu-temperature", oid: "1.3.6.1.4.1.14988.1.1.3.11.0", unit: "C", scale: 0.1},
	{name: "fan1-speed", oid: "1.3.6.1.4.1.14988.1.1.3.17.0", unit: "rpm", scale: 1},
	{name: "fan2-speed", oid: "1.3.6.1.4.1.14988.1.1.3.18.0", unit: "rpm", scale: 1},
	{name: "psu1-state", oid: "1.3.6.1.4.1.14988.1.1.3.15.0", unit: "", scale: 1},
	{name: "psu2-state", oid: "1.3.6.1.4.1.14988.1.1.3.16.0", unit: "", scale: 1},
}

// SNMPConfig holds the parameters for the health query
type SNMPConfig struct {
	Target    string
	Port      uint16        // default 161
	Community string        // v2c community
	Timeout   time.Duration // default 5s
	Retries   int           // default 2
}

// CollectHealth reads the MikroTik health MIB over SNMP v2c.
// OIDs the device does not implement are returned with Present=false.
func CollectHealth(ctx context.Context, cfg SNMPConfig) (*HardwareHealth, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("SNMP target is required")
	}
	if cfg.Community == "" {
		return nil, fmt.Errorf("SNMP community is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}

	snmpClient := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    cfg.Target,
		Port:      cfg.Port,
		Community: cfg.Community,
		Version:   gosnmp.Version2c,
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
	}

	if err := snmpClient.Connect(); err != nil {
		return nil, fmt.Errorf("SNMP connect failed: %w", err)
	}
	defer func() { _ = snmpClient.Conn.Close() }()

	oids := make([]string, 0, len(healthOIDs))
	for _, h := range healthOIDs {
		oids = append(oids, h.oid)
	}

	klog.V(4).Infof("Querying %d health OIDs on %s:%d", len(oids), cfg.Target, cfg.Port)
	result, err := snmpClient.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("SNMP get failed: %w", err)
	}

	return buildHealth(cfg.Target, result.Variables), nil
}

// buildHealth matches returned PDUs to the known OIDs
func buildHealth(target string, pdus []gosnmp.SnmpPDU) *HardwareHealth {
	byOID := make(map[string]gosnmp.SnmpPDU, len(pdus))
	for _, pdu := range pdus {
		byOID[trimLeadingDot(pdu.Name)] = pdu
	}

	health := &HardwareHealth{Target: target, Collected: time.Now().UTC()}
	for _, h := range healthOIDs {
		reading := HealthReading{Name: h.name, OID: h.oid, Unit: h.unit}
		if pdu, ok := byOID[h.oid]; ok {
			if v, ok := pduFloat64(pdu); ok {
				reading.Value = v * h.scale
				reading.Present = true
			}
		}
		health.Readings = append(health.Readings, reading)
	}
	return health
}

// WriteTo writes the readings as "name: value unit" lines
func (h *HardwareHealth) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := fmt.Fprintf(w, "# SNMP health for %s collected %s\n", h.Target, h.Collected.Format(time.RFC3339))
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, r := range h.Readings {
		line := fmt.Sprintf("%s: n/a\n", r.Name)
		if r.Present {
			line = fmt.Sprintf("%s: %g %s\n", r.Name, r.Value, r.Unit)
			if r.Unit == "" {
				line = fmt.Sprintf("%s: %g\n", r.Name, r.Value)
			}
		}
		n, err = io.WriteString(w, line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func trimLeadingDot(oid string) string {
	if len(oid) > 0 && oid[0] == '.' {
		return oid[1:]
	}
	return oid
}

// pduFloat64 converts numeric gosnmp.SnmpPDU values to float64
func pduFloat64(pdu gosnmp.SnmpPDU) (float64, bool) {
	switch pdu.Type {
	case gosnmp.Integer, gosnmp.Gauge32, gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.TimeTicks:
		switch v := pdu.Value.(type) {
		case int:
			return float64(v), true
		case uint:
			return float64(v), true
		case uint32:
			return float64(v), true
		case uint64:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}
