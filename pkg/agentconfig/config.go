// Package agentconfig parses the agent's kernel-command-line style
// configuration: whitespace-separated key=value pairs passed on /proc/cmdline
// (there is no config file and no network available this early in boot).
package agentconfig

import (
	"strconv"
	"strings"
)

// Config holds the tunables the entrypoint needs before anything else can
// start: debug level, guest hook path, and the dispatcher worker-pool bounds
// from spec §5 (min 1 / max 10, default 5).
type Config struct {
	Debug             bool
	GuestHookPath     string
	EnableTracingStub bool
	DispatcherWorkers int

	// Sysfs paths configured at build (spec §6); all support glob patterns
	// except BlockSizePath/MemHotplugProbePath, which name one file each.
	CPUOnlinePaths      []string
	MemOnlinePaths      []string
	BlockSizePath       string
	MemHotplugProbePath string
}

const (
	defaultDispatcherWorkers = 5
	minDispatcherWorkers     = 1
	maxDispatcherWorkers     = 10
)

// Default returns the configuration used when no overrides are present.
func Default() *Config {
	return &Config{
		DispatcherWorkers:   defaultDispatcherWorkers,
		CPUOnlinePaths:      []string{"/sys/devices/system/cpu/cpu*/online"},
		MemOnlinePaths:      []string{"/sys/devices/system/memory/memory*/online"},
		BlockSizePath:       "/sys/block/vda/queue/logical_block_size",
		MemHotplugProbePath: "/sys/devices/system/memory/probe",
	}
}

// ParseCmdline parses a /proc/cmdline-style string ("key=value key2=value2")
// into a Config, starting from Default and overriding any field named below.
// Unknown keys are ignored; this agent is not the only consumer of the
// kernel command line.
func ParseCmdline(cmdline string) *Config {
	cfg := Default()

	for _, field := range strings.Fields(cmdline) {
		key, value, hasValue := strings.Cut(field, "=")
		switch key {
		case "agent.log":
			cfg.Debug = value == "debug"
		case "agent.guest_hook_path":
			if hasValue {
				cfg.GuestHookPath = value
			}
		case "agent.trace":
			cfg.EnableTracingStub = hasValue && value != "disabled"
		case "agent.dispatcher_workers":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.DispatcherWorkers = clamp(n, minDispatcherWorkers, maxDispatcherWorkers)
			}
		case "agent.block_size_path":
			if hasValue {
				cfg.BlockSizePath = value
			}
		case "agent.mem_hotplug_probe_path":
			if hasValue {
				cfg.MemHotplugProbePath = value
			}
		}
	}

	return cfg
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
