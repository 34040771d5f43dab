package mock

import (
	"math/rand"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// TimingSimulator adds realistic timing delays to mock router operations
type TimingSimulator struct {
	enabled          bool
	sshLatency       time.Duration
	sshLatencyJitter time.Duration
	backupDelay      time.Duration
	exportDelay      time.Duration

	mu  sync.Mutex // rand.Rand is not safe for concurrent use
	rng *rand.Rand
}

// NewTimingSimulator creates a new timing simulator from configuration
func NewTimingSimulator(config MockRouterConfig) *TimingSimulator {
	return &TimingSimulator{
		enabled:          config.RealisticTiming,
		sshLatency:       time.Duration(config.SSHLatencyMs) * time.Millisecond,
		sshLatencyJitter: time.Duration(config.SSHLatencyJitterMs) * time.Millisecond,
		backupDelay:      time.Duration(config.BackupDelayMs) * time.Millisecond,
		exportDelay:      time.Duration(config.ExportDelayMs) * time.Millisecond,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SimulateSSHLatency simulates SSH session latency with jitter.
// Called at session start after the SSH handshake completes.
func (t *TimingSimulator) SimulateSSHLatency() {
	if !t.enabled || t.sshLatency == 0 {
		return
	}

	// base latency ± jitter (e.g., 200ms ± 50ms = 150-250ms range)
	jitter := time.Duration(0)
	if t.sshLatencyJitter > 0 {
		t.mu.Lock()
		jitter = time.Duration(t.rng.Int63n(int64(t.sshLatencyJitter*2))) - t.sshLatencyJitter
		t.mu.Unlock()
	}

	delay := t.sshLatency + jitter
	if delay < 0 {
		delay = 0
	}

	klog.V(4).Infof("Mock router timing: SSH latency simulation %dms", delay.Milliseconds())
	time.Sleep(delay)
}

// ArtifactDelay returns how long a saved backup ("backup") or export ("export")
// takes to appear in the file system. Zero when timing simulation is off.
func (t *TimingSimulator) ArtifactDelay(opType string) time.Duration {
	if !t.enabled {
		return 0
	}
	switch opType {
	case "backup":
		return t.backupDelay
	case "export":
		return t.exportDelay
	default:
		return 0
	}
}
