package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/dcgmtop-web/internal/app"
	"github.com/skobkin/dcgmtop-web/internal/config"
	"github.com/skobkin/dcgmtop-web/internal/dcgm"
	"github.com/skobkin/dcgmtop-web/internal/gpu"
	"github.com/skobkin/dcgmtop-web/internal/version"
)

type options struct {
	dcgm       config.DCGMConfig
	rounds     int
	interval   time.Duration
	basic      bool
	jsonOutput bool
	verbose    bool
	version    bool
}

func parseFlags() (options, error) {
	defaultPort, err := envPort(os.Getenv)
	if err != nil {
		return options{}, err
	}

	var opts options
	pflag.StringVar(&opts.dcgm.Mode, "mode", envOrDefault("APP_DCGM_MODE", config.DCGMModeEmbedded), "DCGM connection mode: embedded or remote")
	pflag.StringVar(&opts.dcgm.Host, "host", envOrDefault("APP_DCGM_HOST", "localhost"), "Host engine address for remote mode")
	pflag.IntVar(&opts.dcgm.Port, "port", defaultPort, "Host engine port for remote mode (0 uses the daemon default)")
	pflag.StringVar(&opts.dcgm.LibraryPath, "lib", envOrDefault("APP_DCGM_LIBRARY", ""), "Path to libdcgm")
	pflag.IntVarP(&opts.rounds, "rounds", "n", 10, "Number of polling rounds")
	pflag.DurationVarP(&opts.interval, "interval", "i", time.Second, "Delay between rounds")
	pflag.BoolVar(&opts.basic, "basic", false, "Print the broad metrics snapshot instead of power and SM activity")
	pflag.BoolVar(&opts.jsonOutput, "json", false, "Emit discovery result as JSON")
	pflag.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	pflag.BoolVar(&opts.version, "version", false, "Print build information and exit")
	pflag.Parse()
	return opts, nil
}

// envPort reads APP_DCGM_PORT with the same rules as the service config.
func envPort(lookup func(string) string) (int, error) {
	value := lookup("APP_DCGM_PORT")
	if value == "" {
		return 0, nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse APP_DCGM_PORT: %w", err)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("APP_DCGM_PORT must be within 0-65535")
	}
	return port, nil
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dcgm-probe:", err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Println("dcgm-probe", version.Current())
		return
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(run(opts, logger))
}

// run returns the exit code so the session is closed before exiting.
func run(opts options, logger *slog.Logger) int {
	session, err := app.OpenSession(opts.dcgm, logger.With("component", "dcgm"))
	if err != nil {
		logger.Error("open dcgm session failed", "err", err)
		return 1
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("close dcgm session", "err", err)
		}
	}()

	infos, err := gpu.Discover(session, logger.With("component", "gpu_discovery"))
	if err != nil {
		logger.Error("gpu discovery failed", "err", err)
		return 1
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(infos); err != nil {
			logger.Error("encode discovery output", "err", err)
			return 1
		}
	} else {
		if len(infos) == 0 {
			fmt.Println("No GPUs reported by DCGM")
			return 0
		}
		fmt.Println("Discovered GPUs:")
		for _, info := range infos {
			fmt.Printf("- %s (Name: %s, PCI: %s, PCIID: %s, UUID: %s)\n", info.ID, info.Name, info.PCIBusID, info.PCIID, info.UUID)
		}
		fmt.Println()
	}

	for round := 0; round < opts.rounds; round++ {
		if round > 0 {
			time.Sleep(opts.interval)
		}
		for _, info := range infos {
			if opts.basic {
				printBasic(logger, session, info)
				continue
			}
			if err := printPowerActivity(logger, session, info); err != nil {
				logger.Error("profiling metrics need root or a privileged host engine", "gpu_id", info.ID, "err", err)
				return 1
			}
		}
	}
	return 0
}

// printPowerActivity reports only elevated access errors, other read
// failures are logged and the round goes on.
func printPowerActivity(logger *slog.Logger, session *dcgm.Session, info gpu.Info) error {
	activity, err := session.PowerActivity(info.Index)
	if err != nil {
		if dcgm.IsElevatedAccess(err) {
			return err
		}
		logger.Warn("read power activity", "gpu_id", info.ID, "err", err)
		return nil
	}
	ts := time.UnixMicro(activity.Timestamp).UTC().Format(time.RFC3339Nano)
	fmt.Printf("GPU %s  %s  power=%.1f W  sm_active=%.2f\n", info.ID, ts, activity.PowerUsage, activity.SMActive)
	return nil
}

func printBasic(logger *slog.Logger, session *dcgm.Session, info gpu.Info) {
	metrics, err := session.BasicMetrics(info.Index)
	if err != nil {
		logger.Warn("read basic metrics", "gpu_id", info.ID, "err", err)
		return
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		logger.Error("encode metrics", "gpu_id", info.ID, "err", err)
		return
	}
	fmt.Printf("GPU %s sample:\n%s\n\n", info.ID, string(data))
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
