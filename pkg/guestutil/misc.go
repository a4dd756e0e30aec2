package guestutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cuemby/kata-agent/pkg/log"
)

var guestutilLogger = log.WithComponent("guestutil")

// MemHotplugByProbe writes each address in addrs into probePath, one write
// per address, formatted as a hex literal the kernel's memory probe
// interface expects (spec §4.9).
func MemHotplugByProbe(probePath string, addrs []uint64) error {
	f, err := os.OpenFile(probePath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", probePath, err)
	}
	defer f.Close()

	for _, addr := range addrs {
		if _, err := fmt.Fprintf(f, "%#X", addr); err != nil {
			return fmt.Errorf("probe address %#X: %w", addr, err)
		}
	}
	guestutilLogger.Info().Int("count", len(addrs)).Msg("mem_hotplug_by_probe")
	return nil
}

// SetGuestDateTime sets the guest's wall clock via settimeofday (spec §4.9).
func SetGuestDateTime(sec, usec int64) error {
	tv := unix.Timeval{Sec: sec, Usec: usec}
	if err := unix.Settimeofday(&tv); err != nil {
		return fmt.Errorf("settimeofday: %w", err)
	}
	return nil
}

// randomDevPath is the kernel RNG entropy input this module feeds
// reseed_random_dev bytes into. Writing to /dev/urandom mixes the bytes
// into the pool without asserting an entropy count, which is what the
// guest-reseed use case wants (untrusted extra randomness, not a claim of
// measured entropy).
const randomDevPath = "/dev/urandom"

// ReseedRandomDev writes bytes into the kernel RNG entropy input (spec
// §4.9).
func ReseedRandomDev(data []byte) error {
	f, err := os.OpenFile(randomDevPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", randomDevPath, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("reseed rng: %w", err)
	}
	return nil
}

// GuestDetails reports the fields spec §4.9's get_guest_details returns.
type GuestDetails struct {
	BlockSize       uint64
	HotplugProbe    bool
	AgentVersion    string
	InitDaemon      bool
	StorageHandlers []string
}

// GetGuestDetails assembles a GuestDetails snapshot. Any failure to read
// blockSizePath is reported as size=0 rather than propagated (spec §7's
// "NotFound on block-size read (reported as size=0)"); hotplugProbePath's
// absence is reported as probe=false the same way ("ENOENT on hotplug-probe
// path").
func GetGuestDetails(blockSizePath, hotplugProbePath, agentVersion string, storageHandlers []string) GuestDetails {
	details := GuestDetails{
		AgentVersion:    agentVersion,
		InitDaemon:      os.Getpid() == 1,
		StorageHandlers: storageHandlers,
	}

	if raw, err := os.ReadFile(blockSizePath); err == nil {
		if n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); err == nil {
			details.BlockSize = n
		}
	}

	if _, err := os.Stat(hotplugProbePath); err == nil {
		details.HotplugProbe = true
	}

	return details
}
