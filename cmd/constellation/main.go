package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/galaxycore/constellation/internal/config"
	"github.com/galaxycore/constellation/pkg/constellation"
	"github.com/galaxycore/constellation/pkg/controlplane"
	"github.com/galaxycore/constellation/pkg/device"
	"github.com/galaxycore/constellation/pkg/eventbus"
	"github.com/galaxycore/constellation/pkg/orchestrator"
	"github.com/galaxycore/constellation/pkg/planner"
	"github.com/galaxycore/constellation/pkg/scheduler"
	"github.com/galaxycore/constellation/pkg/store"
	"github.com/galaxycore/constellation/pkg/telemetry"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "constellation",
		Short:   "Constellation orchestration core",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./constellation.yaml)")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(configInitCmd())
	rootCmd.AddCommand(validateConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadAll() (*config.Config, telemetry.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, telemetry.Logger{}, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := telemetry.NewLogger(os.Stderr, level, cfg.LogJSON)
	return cfg, logger, nil
}

func buildDeviceManager(cfg *config.Config, bus *eventbus.Bus, logger telemetry.Logger) (*device.Manager, error) {
	dm := device.NewManager(device.NewDialerWS(), bus, logger, device.Config{
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		ExpiryMultiplier:  cfg.HeartbeatExpiryMultiplier,
		ReconnectDelay:    time.Duration(cfg.ReconnectDelayMS) * time.Millisecond,
	})
	for _, d := range cfg.Devices {
		if _, err := dm.Register(device.Spec{
			DeviceID:     d.DeviceID,
			Endpoint:     d.Endpoint,
			Capabilities: d.Capabilities,
			OS:           d.OS,
			Metadata:     d.Metadata,
			AutoConnect:  d.AutoConnect,
			MaxRetries:   d.MaxRetries,
			AuthSecret:   d.AuthSecret,
		}); err != nil {
			return nil, fmt.Errorf("register device %s: %w", d.DeviceID, err)
		}
	}
	return dm, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [user request]",
		Short: "Plan and execute a task constellation for a single user request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadAll()
			if err != nil {
				return err
			}

			bus := eventbus.New()
			dm, err := buildDeviceManager(cfg, bus, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			for _, d := range cfg.Devices {
				if !d.AutoConnect {
					continue
				}
				if err := dm.Connect(ctx, d.DeviceID); err != nil {
					logger.Warn().Err(err).Str("device_id", d.DeviceID).Msg("device failed to connect at startup")
				}
			}

			adapter := planner.NewOllamaAdapter(cfg.Planner.BaseURL, cfg.Planner.Model)

			var st *store.Store
			if cfg.StorePath != "" {
				st, err = store.Open(cfg.StorePath)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer st.Close()
			}
			if cfg.ConstellationID == "" {
				cfg.ConstellationID = uuid.NewString()
			}

			tp := telemetry.NewTracerProvider(cfg.ConstellationID)
			otel.SetTracerProvider(tp)
			defer tp.Shutdown(context.Background())

			reg := prometheus.NewRegistry()
			metrics := telemetry.NewMetrics(reg)
			defer metrics.Observe(bus)()

			orch := orchestrator.New(dm, bus, adapter, logger, orchestrator.Config{
				ConstellationID:   cfg.ConstellationID,
				MaxPlannerRetries: cfg.MaxPlannerRetries,
				SchedulerConfig: scheduler.Config{
					MaxConcurrentTasks: cfg.MaxConcurrentTasks,
					MaxStep:            cfg.MaxStep,
				},
				Metrics: metrics,
			})

			cp := controlplane.New(cfg.ListenAddr, staticRegistry{dm: dm}, reg)
			go func() {
				if err := cp.Start(); err != nil {
					logger.Warn().Err(err).Msg("control plane server stopped")
				}
			}()
			defer cp.Shutdown(context.Background())

			var trajectoryUnsub func()
			if st != nil {
				trajectoryUnsub = st.SubscribeTrajectory(bus, cfg.ConstellationID)
			}

			result, err := orch.Run(ctx, args[0])
			if trajectoryUnsub != nil {
				trajectoryUnsub()
			}
			if err != nil {
				color.Red("run failed: %v", err)
				return err
			}

			if st != nil {
				nodes := make(map[string]interface{}, len(result.Snapshot.Nodes))
				for id, n := range result.Snapshot.Nodes {
					nodes[id] = n
				}
				_ = st.PutSessionResult(result.ConstellationID, result.Snapshot.Revision, string(result.Status), result.Reason, nodes)
			}

			printResult(result)
			return nil
		},
	}
	return cmd
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List configured devices and their initial status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadAll()
			if err != nil {
				return err
			}
			bus := eventbus.New()
			dm, err := buildDeviceManager(cfg, bus, logger)
			if err != nil {
				return err
			}
			for _, r := range dm.All() {
				fmt.Printf("%-20s %-10s %s\n", r.DeviceID, r.Status, r.Endpoint)
			}
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config init",
		Short: "Write a starter constellation.yaml to the given path",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.DefaultDocument()
			if err != nil {
				return fmt.Errorf("render default config: %w", err)
			}
			if err := os.WriteFile(out, doc, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "constellation.yaml", "output path")
	return cmd
}

func validateConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadAll()
			if err != nil {
				color.Red("config invalid: %v", err)
				return err
			}
			color.Green("config OK: %d device(s), planner %s", len(cfg.Devices), cfg.Planner.BaseURL)
			return nil
		},
	}
	return cmd
}

func printResult(result orchestrator.Result) {
	switch result.Status {
	case eventbus.ConstellationCompleted:
		color.Green("constellation %s completed", result.ConstellationID)
	case eventbus.ConstellationFailed:
		color.Red("constellation %s failed: %s", result.ConstellationID, result.Reason)
	case eventbus.ConstellationCancelled:
		color.Yellow("constellation %s cancelled: %s", result.ConstellationID, result.Reason)
	}
	for id, n := range result.Snapshot.Nodes {
		fmt.Printf("  %-12s %s\n", id, n.Status)
	}
}

// staticRegistry backs the control plane's read surface for a single
// `run` invocation. It never has a live constellation to report by id
// (the snapshot is only known after Run returns), so it reports
// devices only; a long-running service entrypoint would instead track
// the orchestrator's in-flight TaskConstellation handles here.
type staticRegistry struct {
	dm *device.Manager
}

func (r staticRegistry) Constellation(id string) (constellation.Snapshot, bool) {
	return constellation.Snapshot{}, false
}

func (r staticRegistry) Devices() []device.Record {
	return r.dm.All()
}
