// fleetmesh is the orchestrator: it spawns worker nodes from templates,
// keeps every template's pool within bounds and serves the control
// endpoints. Positional key=value arguments override the path options:
//
//	fleetmesh templates_description_path=templates.yaml instances_directory_path=/srv/instances
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/MrSnakeDoc/fleetmesh/internal/app"
	"github.com/MrSnakeDoc/fleetmesh/internal/config"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/version"
)

func main() {
	flagSet := pflag.NewFlagSet("fleetmesh", pflag.ExitOnError)
	logLevel := flagSet.String("log-level", "", "debug | info | warn | error (overrides FLEET_LOG_LEVEL)")
	prettyLog := flagSet.Bool("pretty-log", true, "colored console logs instead of JSON (overrides FLEET_PRETTY_LOG)")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	_ = flagSet.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.String("fleetmesh"))
		return
	}

	cfg := config.Load()
	if flagSet.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flagSet.Changed("pretty-log") {
		cfg.PrettyLog = *prettyLog
	}

	loggerClient := logger.New("fleetmesh", cfg.LogLevel, cfg.PrettyLog)
	defer func() { _ = loggerClient.Sync() }()

	if applied := cfg.ApplyArgs(flagSet.Args()); len(applied) > 0 {
		loggerClient.Info("path options overridden", logger.Strings("keys", applied))
	}

	a, err := app.New(context.Background(), cfg, loggerClient)
	if err != nil {
		log.Fatalf("❌ fleetmesh failed to start: %v", err)
	}
	if err := a.Run(); err != nil {
		log.Fatalf("❌ fleetmesh failed: %v", err)
	}
}
