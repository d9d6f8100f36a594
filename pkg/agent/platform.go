package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

// PlatformDetector describes the host for registration metadata
type PlatformDetector struct {
	logger *zap.Logger

	// run executes an external probe; replaced in tests
	run func(ctx context.Context, name string, args ...string) (string, error)
}

// NewPlatformDetector creates a platform detector
func NewPlatformDetector(logger *zap.Logger) *PlatformDetector {
	return &PlatformDetector{
		logger: logger.With(zap.String("component", "platform")),
		run:    runProbe,
	}
}

func runProbe(ctx context.Context, name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Detect returns platform labels. Probes that fail are left out.
func (pd *PlatformDetector) Detect(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	labels := map[string]string{
		"arch": runtime.GOARCH,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		labels["os"] = info.OS
		if info.Platform != "" {
			labels["platform"] = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		}
		if info.KernelVersion != "" {
			labels["kernel"] = info.KernelVersion
		}
		if info.VirtualizationRole == "guest" && info.VirtualizationSystem != "" {
			labels["virtualization"] = info.VirtualizationSystem
		}
	} else {
		pd.logger.Debug("Host info unavailable", zap.Error(err))
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		labels["cpus"] = fmt.Sprintf("%d", n)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		labels["memory_mib"] = fmt.Sprintf("%d", vm.Total/(1024*1024))
	}
	if ifaces := pd.interfaces(ctx); ifaces != "" {
		labels["interfaces"] = ifaces
	}
	if acc := pd.DetectAccelerator(ctx); acc != "" {
		labels["accelerator"] = acc
	}
	return labels
}

// interfaces lists the non-loopback interfaces that are up, comma separated
func (pd *PlatformDetector) interfaces(ctx context.Context) string {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		pd.logger.Debug("Interface list unavailable", zap.Error(err))
		return ""
	}
	var names []string
	for _, s := range stats {
		up, loopback := false, false
		for _, f := range s.Flags {
			switch f {
			case "up":
				up = true
			case "loopback":
				loopback = true
			}
		}
		if up && !loopback {
			names = append(names, s.Name)
		}
	}
	return strings.Join(names, ",")
}

var rocmCard = regexp.MustCompile(`(?i)card\d+:\s+(.+)`)

// DetectAccelerator returns a normalized accelerator tag such as
// "nvidia-jetson-orin" or "amd-mi210", or "" when none is found.
func (pd *PlatformDetector) DetectAccelerator(ctx context.Context) string {
	if out, err := pd.run(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader"); err == nil {
		if name := firstLine(out); name != "" {
			pd.logger.Info("Detected NVIDIA accelerator", zap.String("gpu_name", name))
			return "nvidia-" + slug(name)
		}
	}

	// Jetson modules have no nvidia-smi; the device tree names the module.
	if out, err := pd.run(ctx, "cat", "/proc/device-tree/model"); err == nil {
		model := strings.ToLower(strings.Trim(out, "\x00\n "))
		if strings.Contains(model, "jetson") {
			pd.logger.Info("Detected Jetson module", zap.String("model", model))
			return "nvidia-" + slug(model[strings.Index(model, "jetson"):])
		}
	}

	if out, err := pd.run(ctx, "rocm-smi", "--showproductname"); err == nil {
		if m := rocmCard.FindStringSubmatch(out); len(m) == 2 {
			name := strings.TrimSpace(m[1])
			pd.logger.Info("Detected AMD accelerator", zap.String("gpu_name", name))
			return "amd-" + slug(name)
		}
	}

	pd.logger.Debug("No accelerator detected")
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// slug lowercases and joins words with dashes, dropping vendor prefixes
func slug(name string) string {
	name = strings.ToLower(name)
	for _, prefix := range []string{"nvidia ", "amd ", "geforce ", "tesla "} {
		name = strings.TrimPrefix(name, prefix)
	}
	return strings.Join(strings.Fields(name), "-")
}
