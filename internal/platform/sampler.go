// internal/platform/sampler.go
package platform

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/aceteam-ai/greencert/internal/energy"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Sampler kinds accepted by NewSampler.
const (
	SamplerAuto      = "auto"
	SamplerNvidia    = "nvidia"
	SamplerCPU       = "cpu"
	SamplerSimulated = "simulated"
)

var (
	// ErrUnknownSampler is returned for an unrecognized sampler kind
	ErrUnknownSampler = errors.New("unknown power sampler")

	// ErrNoSample is returned when the device produced no parsable reading
	ErrNoSample = errors.New("no power reading")
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// SamplerConfig holds configuration for NewSampler.
type SamplerConfig struct {
	// Kind is one of auto, nvidia, cpu, simulated (default: auto)
	Kind string

	// GPUIndex selects the device queried by the nvidia sampler
	GPUIndex int

	// IdleWatts and MaxWatts bound the CPU power estimate (default: 10W / 65W)
	IdleWatts float64
	MaxWatts  float64
}

// NewSampler returns the power sampler for cfg.Kind. Auto picks nvidia-smi
// when it is on PATH and answers, otherwise the simulated sampler.
func NewSampler(cfg SamplerConfig) (energy.PowerSampler, error) {
	switch cfg.Kind {
	case "", SamplerAuto:
		if _, err := exec.LookPath("nvidia-smi"); err == nil && exec.Command("nvidia-smi").Run() == nil {
			return NewNvidiaSampler(cfg.GPUIndex, nil), nil
		}
		return NewSimulatedSampler(nil), nil
	case SamplerNvidia:
		return NewNvidiaSampler(cfg.GPUIndex, nil), nil
	case SamplerCPU:
		return NewCPUSampler(cfg.IdleWatts, cfg.MaxWatts), nil
	case SamplerSimulated:
		return NewSimulatedSampler(nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSampler, cfg.Kind)
	}
}

// NvidiaSampler reads board power and utilization through nvidia-smi.
type NvidiaSampler struct {
	index int
	run   CommandRunner
}

// NewNvidiaSampler creates a sampler for GPU index. A nil runner uses os/exec.
func NewNvidiaSampler(index int, run CommandRunner) *NvidiaSampler {
	if run == nil {
		run = execRunner
	}
	return &NvidiaSampler{index: index, run: run}
}

func (n *NvidiaSampler) Name() string { return "nvidia-smi" }

func (n *NvidiaSampler) Sample(ctx context.Context) (float64, float64, error) {
	output, err := n.run(ctx,
		"nvidia-smi",
		"--query-gpu=power.draw,utilization.gpu",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(n.index),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query NVIDIA power: %w", err)
	}
	return parseNvidiaPower(string(output))
}

// parseNvidiaPower parses "245.31, 87" from the first output line.
func parseNvidiaPower(output string) (float64, float64, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(output), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrNoSample, line)
	}

	watts, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		// "[N/A]" on boards without power telemetry
		return 0, 0, fmt.Errorf("%w: power %q", ErrNoSample, strings.TrimSpace(parts[0]))
	}
	util, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: utilization %q", ErrNoSample, strings.TrimSpace(parts[1]))
	}
	return watts, util, nil
}

// CPUSampler estimates package power linearly from CPU utilization.
type CPUSampler struct {
	idle    float64
	max     float64
	percent func(ctx context.Context) (float64, error)
}

// NewCPUSampler creates an estimator between idleWatts and maxWatts.
func NewCPUSampler(idleWatts, maxWatts float64) *CPUSampler {
	if idleWatts <= 0 {
		idleWatts = 10
	}
	if maxWatts <= idleWatts {
		maxWatts = 65
	}
	return &CPUSampler{idle: idleWatts, max: maxWatts, percent: cpuPercent}
}

func cpuPercent(ctx context.Context) (float64, error) {
	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, ErrNoSample
	}
	return percentages[0], nil
}

func (c *CPUSampler) Name() string { return "cpu-estimate" }

func (c *CPUSampler) Sample(ctx context.Context) (float64, float64, error) {
	pct, err := c.percent(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read CPU utilization: %w", err)
	}
	pct = min(max(pct, 0), 100)
	return c.idle + (c.max-c.idle)*pct/100, pct, nil
}

// SimulatedSampler produces 250±10W at 80-100% utilization for hosts
// without a supported device.
type SimulatedSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedSampler creates a simulated sampler. A nil rng is seeded randomly.
func NewSimulatedSampler(rng *rand.Rand) *SimulatedSampler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &SimulatedSampler{rng: rng}
}

func (s *SimulatedSampler) Name() string { return "simulated" }

func (s *SimulatedSampler) Sample(ctx context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	watts := 250 + (s.rng.Float64()*20 - 10)
	util := 80 + s.rng.Float64()*20
	return watts, util, nil
}
