// fleetmesh-node is the worker a template's start script launches, ex:
//
//	exec fleetmesh-node --template {template} --server-port {port}
//
// It registers as node-<instance directory>, reports to the orchestrator and
// exits when the orchestrator asks it to stop.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/MrSnakeDoc/fleetmesh/internal/app"
	"github.com/MrSnakeDoc/fleetmesh/internal/config"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/version"
)

func envInt(key string) int {
	n, _ := strconv.Atoi(os.Getenv(key))
	return n
}

// nodeFlags registers the worker flags on fs. Flag defaults for the
// template and server port come from the environment.
func nodeFlags(fs *pflag.FlagSet, opts *app.NodeOptions) {
	fs.StringVar(&opts.Template, "template", os.Getenv("FLEET_NODE_TEMPLATE"), "template this node was spawned from")
	fs.IntVar(&opts.ServerPort, "server-port", envInt("FLEET_NODE_SERVER_PORT"), "game-server port allocated by the orchestrator")
	fs.StringVar(&opts.Directory, "dir", "", "instance directory (default: working directory)")
	fs.IntVar(&opts.Port, "port", 0, "RPC port, 0 for an ephemeral one")
	fs.String("name", "", "orchestrator service name (overrides FLEET_SERVICE_NAME)")
	fs.Int("gossip-port", 0, "memberlist bind port, 0 for a random one (overrides FLEET_GOSSIP_BIND_PORT)")
	fs.String("log-level", "", "debug | info | warn | error")
	fs.Bool("pretty-log", false, "colored console logs instead of JSON")
	fs.Bool("version", false, "print version and exit")
}

// applyFlags overrides cfg with the flags set on the command line only, so
// FLEET_ variables keep their value otherwise.
func applyFlags(cfg *config.Config, fs *pflag.FlagSet) {
	if fs.Changed("name") {
		cfg.ServiceName, _ = fs.GetString("name")
	}
	if fs.Changed("gossip-port") {
		cfg.GossipBindPort, _ = fs.GetInt("gossip-port")
	}
	if fs.Changed("log-level") {
		cfg.LogLevel, _ = fs.GetString("log-level")
	}
	if fs.Changed("pretty-log") {
		cfg.PrettyLog, _ = fs.GetBool("pretty-log")
	}
}

func main() {
	var opts app.NodeOptions

	flagSet := pflag.NewFlagSet("fleetmesh-node", pflag.ExitOnError)
	nodeFlags(flagSet, &opts)
	_ = flagSet.Parse(os.Args[1:])

	if showVersion, _ := flagSet.GetBool("version"); showVersion {
		fmt.Println(version.String("fleetmesh-node"))
		return
	}

	cfg := config.Load()
	applyFlags(cfg, flagSet)

	loggerClient := logger.New("fleetmesh-node", cfg.LogLevel, cfg.PrettyLog)
	defer func() { _ = loggerClient.Sync() }()

	if opts.Template == "" || opts.ServerPort <= 0 {
		log.Fatalf("❌ fleetmesh-node: --template and --server-port are required")
	}
	if err := app.RunNode(cfg, loggerClient, opts); err != nil {
		log.Fatalf("❌ fleetmesh-node failed: %v", err)
	}
}
