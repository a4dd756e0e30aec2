package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/kata-agent/pkg/agentconfig"
	"github.com/cuemby/kata-agent/pkg/agentrpc"
	"github.com/cuemby/kata-agent/pkg/execruntime"
	"github.com/cuemby/kata-agent/pkg/log"
	"github.com/cuemby/kata-agent/pkg/namespace"
	"github.com/cuemby/kata-agent/pkg/sandbox"
	"github.com/cuemby/kata-agent/pkg/storageregistry"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// apiVersion is the RPC surface version Version() reports alongside
// Version, distinct from it since the two evolve independently (spec §6).
const apiVersion = "1"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kata-agent",
	Short:   "In-guest agent managing OCI container lifecycle over an RPC channel",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kata-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("listen", "/run/kata-containers/agent.sock", "Unix socket the RPC transport listens on")
	rootCmd.PersistentFlags().String("guest-hook-path", "", "Override guest hook directory (defaults to /proc/cmdline value)")
	rootCmd.PersistentFlags().Int("dispatcher-workers", 0, "Override dispatcher worker-pool size (0 keeps the /proc/cmdline or default value)")
	rootCmd.PersistentFlags().String("block-size-path", "", "Override the block-size sysfs path")
	rootCmd.PersistentFlags().String("mem-hotplug-probe-path", "", "Override the memory-hotplug probe sysfs path")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var mainLogger = log.WithComponent("main")

// loadConfig builds the agent configuration from /proc/cmdline, then layers
// any explicit flag overrides on top (spec §6's kernel-command-line config,
// plus a flag escape hatch for running outside a real guest).
func loadConfig(cmd *cobra.Command) *agentconfig.Config {
	raw, err := os.ReadFile("/proc/cmdline")
	var cfg *agentconfig.Config
	if err != nil {
		mainLogger.Warn().Err(err).Msg("could not read /proc/cmdline, using defaults")
		cfg = agentconfig.Default()
	} else {
		cfg = agentconfig.ParseCmdline(string(raw))
	}

	if v, _ := cmd.Flags().GetString("guest-hook-path"); v != "" {
		cfg.GuestHookPath = v
	}
	if v, _ := cmd.Flags().GetInt("dispatcher-workers"); v != 0 {
		cfg.DispatcherWorkers = v
	}
	if v, _ := cmd.Flags().GetString("block-size-path"); v != "" {
		cfg.BlockSizePath = v
	}
	if v, _ := cmd.Flags().GetString("mem-hotplug-probe-path"); v != "" {
		cfg.MemHotplugProbePath = v
	}

	return cfg
}

func run(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	storages := storageregistry.NewRegistry()
	nsManager := namespace.NewManager(namespace.DefaultDir)
	sb := sandbox.NewSandbox(execruntime.New(), nsManager, storages)

	dispatcher := agentrpc.NewDispatcher(sb, storages, cfg, Version, apiVersion)
	health := agentrpc.NewHealthServer(dispatcher)

	listenPath, _ := cmd.Flags().GetString("listen")
	os.Remove(listenPath)
	lis, err := net.Listen("unix", listenPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenPath, err)
	}

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, health)

	serveErrCh := make(chan error, 1)
	go func() {
		mainLogger.Info().Str("addr", listenPath).Msg("rpc transport listening")
		serveErrCh <- grpcServer.Serve(lis)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		mainLogger.Info().Msg("received shutdown signal")
	case <-sb.Shutdown():
		mainLogger.Info().Msg("sandbox signaled shutdown")
	case err := <-serveErrCh:
		if err != nil {
			mainLogger.Error().Err(err).Msg("rpc transport stopped unexpectedly")
		}
	}

	grpcServer.GracefulStop()
	mainLogger.Info().Msg("shutdown complete")
	return nil
}
