package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Edward-Tollemache/smartlogger-agent/internal/modbus"
	"github.com/Edward-Tollemache/smartlogger-agent/internal/smartlogger"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "smartlogger-agent",
		Short: "Huawei SmartLogger data acquisition agent",
		Long:  "Reads telemetry, status, and alarms from a Huawei SmartLogger gateway and the SUN2000 inverters behind it over Modbus TCP.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(readCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the acquisition loop and publish records to MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runAgent(cfg)
		},
	}
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan the configured unit-id range and print discovered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			devices, err := discoverDevices(ctx, cfg)
			if err != nil {
				return err
			}
			return printJSON(devices)
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Do one acquisition pass and print the records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, err := modbus.Dial(ctx, cfg.modbusConfig())
			if err != nil {
				return err
			}
			defer conn.Close()

			devices, err := discoverDevices(ctx, cfg)
			if err != nil {
				return err
			}

			reader := smartlogger.NewReader(conn)
			out := struct {
				Gateway *smartlogger.GatewayRecord    `json:"gateway"`
				Devices []*smartlogger.InverterRecord `json:"devices"`
			}{
				Gateway: reader.ReadGateway(ctx),
				Devices: reader.ReadAll(ctx, devices, cfg.batchOptions()),
			}
			return printJSON(out)
		},
	}
}

// discoverDevices runs the configured discovery strategy. The parallel
// strategy dials a dedicated session per probed unit; the sequential one
// shares a single session.
func discoverDevices(ctx context.Context, cfg *LoadedConfig) ([]smartlogger.DeviceInfo, error) {
	if cfg.Discovery.Parallel {
		factory := func(ctx context.Context, unit uint8) (smartlogger.Session, error) {
			c, err := modbus.Dial(ctx, cfg.modbusConfigFor(unit))
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		return smartlogger.DiscoverParallel(ctx, factory, cfg.discoverOptions()), nil
	}

	conn, err := modbus.Dial(ctx, cfg.modbusConfig())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return smartlogger.Discover(ctx, conn, cfg.discoverOptions()), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
