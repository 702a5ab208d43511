// Command tng runs one Trusted Network Gateway instance from a JSON
// configuration document.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/effective-security/xlog"
	"github.com/openanolis/tng/internal/config"
	"github.com/openanolis/tng/internal/tng"
	"github.com/openanolis/tng/pkg/appinit"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/cmd", "tng")

// cli is the gateway daemon's flag surface: the common log flags plus
// the config path and a validate-only mode.
type cli struct {
	appinit.LogConfig

	Config     string `short:"c" required:"" help:"path to the TNG JSON configuration document"`
	DryRun     bool   `help:"load and validate the configuration, then exit"`
	CPUProfile string `help:"enable CPU profiling, specify a file to store CPU profiling info"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var c cli
	parser, err := kong.New(&c, kong.Name("tng"), kong.Description("Trusted Network Gateway"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if _, err := parser.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	closer, err := appinit.Logs(&c.LogConfig, "tng")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tng: failed to initialize logging: %v\n", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}

	if c.CPUProfile != "" {
		profCloser, err := appinit.CPUProfiler(c.CPUProfile)
		if err != nil {
			logger.KV(xlog.ERROR, "reason", "cpu_profile_failed", "err", err.Error())
			return 1
		}
		if profCloser != nil {
			defer profCloser.Close()
		}
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "config_load_failed", "err", err.Error())
		return 1
	}

	if c.DryRun {
		logger.KV(xlog.INFO, "status", "config_valid", "path", c.Config)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := tng.New(ctx, cfg)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "instance_build_failed", "err", err.Error())
		return 1
	}

	logger.KV(xlog.INFO, "status", "service_starting", "ingress", len(cfg.AddIngress), "egress", len(cfg.AddEgress))

	if err := inst.Run(ctx); err != nil {
		logger.KV(xlog.ERROR, "reason", "instance_run_failed", "err", err.Error())
		return 1
	}

	logger.KV(xlog.INFO, "status", "service_stopped")
	return 0
}
