package agent

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

// Telemetry is one resource sample attached to a heartbeat
type Telemetry struct {
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	Uptime        time.Duration
	Geo           *api.GeoPoint
}

// Sampler produces telemetry for heartbeat records
type Sampler interface {
	Sample(ctx context.Context) Telemetry
}

// SystemSampler reads host resources with gopsutil. Failed probes leave the
// field at its previous value so a transient error does not report zero.
type SystemSampler struct {
	diskPath string
	geo      *api.GeoPoint
	logger   *zap.Logger

	mu   sync.Mutex
	last Telemetry
}

// NewSystemSampler creates a sampler. geo may be nil.
func NewSystemSampler(diskPath string, geo *api.GeoPoint, logger *zap.Logger) *SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemSampler{
		diskPath: diskPath,
		geo:      geo,
		logger:   logger.With(zap.String("component", "telemetry")),
	}
}

// SetGeo replaces the reported position
func (s *SystemSampler) SetGeo(geo *api.GeoPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geo = geo
}

func (s *SystemSampler) Sample(ctx context.Context) Telemetry {
	s.mu.Lock()
	snap := s.last
	geo := s.geo
	s.mu.Unlock()

	snap.Timestamp = time.Now().UTC()
	snap.Geo = geo

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		s.logger.Debug("CPU probe failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	} else {
		s.logger.Debug("Memory probe failed", zap.Error(err))
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		snap.DiskPercent = du.UsedPercent
	} else {
		s.logger.Debug("Disk probe failed", zap.String("path", s.diskPath), zap.Error(err))
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		snap.Uptime = time.Duration(up) * time.Second
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	return snap
}

// Snapshot returns the latest sample without probing
func (s *SystemSampler) Snapshot() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
