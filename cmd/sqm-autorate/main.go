package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/Lochnair/sqm-autorate/internal/app"
	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/util"
	"github.com/Lochnair/sqm-autorate/internal/version"
	"github.com/peterbourgon/ff/v3"
)

const defaultConfigPath = "/etc/sqm-autorate/config.yaml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runDaemon(parseConfigPath("run", os.Args[2:]))
			return
		case "check":
			checkConfig(parseConfigPath("check", os.Args[2:]))
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}
	runDaemon(parseConfigPath("run", os.Args[1:]))
}

func parseConfigPath(name string, args []string) string {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	_ = ff.Parse(fs, args, ff.WithEnvVarPrefix("SQM_AUTORATE"))
	if *configPath == defaultConfigPath && fs.NArg() > 0 {
		return fs.Arg(0)
	}
	return *configPath
}

func runDaemon(configPath string) {
	logger := util.NewLogger()
	if runtime.GOOS != "linux" {
		logger.Error("unsupported OS", "goos", runtime.GOOS)
		os.Exit(1)
	}
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	runErr := make(chan error, 1)
	go func() { runErr <- supervisor.Wait() }()

	select {
	case <-sigCh:
		logger.Info("shutdown requested")
		supervisor.Stop()
	case err := <-runErr:
		supervisor.Stop()
		if err != nil {
			logger.Error("runtime failed", "error", err)
			os.Exit(1)
		}
	}
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	candidates, err := cfg.CandidateReflectors()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: qdisc=%s download=%s (%.0f kbit) upload=%s (%.0f kbit) reflectors=%d plugins=%d\n",
		cfg.Qdisc,
		cfg.Download.Interface, cfg.Download.BaseKbit,
		cfg.Upload.Interface, cfg.Upload.BaseKbit,
		len(candidates), len(cfg.Plugins))
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`sqm-autorate - adaptive CAKE/HTB bandwidth tuner

Usage:
  sqm-autorate run --config <path>    Start the daemon
  sqm-autorate check --config <path>  Validate a config file
  sqm-autorate help                   Show this help
  sqm-autorate version                Print version

The --config flag can also be set via SQM_AUTORATE_CONFIG.

Legacy:
  sqm-autorate --config <path>
  sqm-autorate <config-path>
`)
}
