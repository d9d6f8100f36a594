package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func probes(outputs map[string]string) func(ctx context.Context, name string, args ...string) (string, error) {
	return func(ctx context.Context, name string, args ...string) (string, error) {
		out, ok := outputs[name]
		if !ok {
			return "", errors.New("executable not found")
		}
		return out, nil
	}
}

func TestDetectAccelerator(t *testing.T) {
	tests := []struct {
		name    string
		outputs map[string]string
		want    string
	}{
		{
			name:    "nvidia discrete",
			outputs: map[string]string{"nvidia-smi": "NVIDIA A100-SXM4-40GB\nNVIDIA A100-SXM4-40GB\n"},
			want:    "nvidia-a100-sxm4-40gb",
		},
		{
			name:    "jetson device tree",
			outputs: map[string]string{"cat": "NVIDIA Jetson AGX Orin Developer Kit\x00"},
			want:    "nvidia-jetson-agx-orin-developer-kit",
		},
		{
			name:    "non jetson board",
			outputs: map[string]string{"cat": "Raspberry Pi 4 Model B Rev 1.4\x00"},
			want:    "",
		},
		{
			name:    "amd",
			outputs: map[string]string{"rocm-smi": "GPU[0]\t\t: Card series:\ncard0: AMD Instinct MI210\n"},
			want:    "amd-instinct-mi210",
		},
		{
			name:    "empty nvidia output falls through",
			outputs: map[string]string{"nvidia-smi": "\n"},
			want:    "",
		},
		{
			name: "none",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pd := NewPlatformDetector(zap.NewNop())
			pd.run = probes(tt.outputs)
			assert.Equal(t, tt.want, pd.DetectAccelerator(context.Background()))
		})
	}
}

func TestDetect_AlwaysReportsArch(t *testing.T) {
	pd := NewPlatformDetector(zap.NewNop())
	pd.run = probes(nil)

	labels := pd.Detect(context.Background())
	assert.NotEmpty(t, labels["arch"])
	assert.NotContains(t, labels, "accelerator")
}
