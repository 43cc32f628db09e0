package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Option keys accepted as key=value command-line arguments.
const (
	OptTemplatesDescriptionPath = "templates_description_path"
	OptTemplatesDirectoryPath   = "templates_directory_path"
	OptInstancesDirectoryPath   = "instances_directory_path"
)

type Config struct {
	ServiceName     string        // name registered in the shared registry (ex: "node-manager")
	ListenPort      int           // RPC port, 0 => ephemeral
	AdvertiseAddr   string        // address peers use to reach this process
	ShutdownTimeout time.Duration // ex: 5s
	AdminAddr       string        // admin HTTP listen address (ex: "127.0.0.1:8090"), empty => disabled

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	TemplatesDescriptionPath string // document listing templates (JSON or YAML)
	TemplatesDirectoryPath   string // root holding one source directory per template
	InstancesDirectoryPath   string // working-directory root for spawned nodes, wiped on startup

	// Shared registry
	RegistryBackend     string        // "redis" | "memory"
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts

	// Health check windows written into each registry record
	CheckInterval   time.Duration // heartbeat + probe interval (ex: 10s)
	CheckTimeout    time.Duration // probe timeout (ex: 1s)
	DeregisterAfter time.Duration // failing this long => deregistered (ex: 30s)
	SweepInterval   time.Duration // orchestrator-side health sweep interval

	// Announcements
	AnnounceMode       string   // "multicast" | "gossip" | "none"
	MulticastGroup     string   // ex: "224.0.0.200:3000"
	MulticastInterface string   // optional interface name
	GossipBindAddr     string   // memberlist bind address
	GossipBindPort     int      // memberlist bind port
	GossipSeeds        []string // memberlist peers to join

	// Membership + RPC
	PollInterval time.Duration // registry reconciliation interval
	CallTimeout  time.Duration // outbound RPC timeout

	// Fleet
	TickInterval  time.Duration // template reconciliation interval
	StartupGrace  time.Duration // delay before the first template tick
	ScaleCooldown time.Duration // min time between threshold scale-ups per template
	StopGrace     time.Duration // time a node gets to exit after "stop"
	PlacementWait time.Duration // how long overflow "wait" holds a placement
	DrainTimeout  time.Duration // how long a merge waits for the router to move players
	NodeTag       string        // capability tag carried by worker nodes
	RouterName    string        // service receiving set_initial_node / move_player

	AllowedCIDRS []string // optional, restrict RPC callers to specific IPs/CIDRs
}

func Load() *Config {
	cfg := &Config{
		// Service settings
		ServiceName:     getenv("FLEET_SERVICE_NAME", "node-manager"),
		ListenPort:      getenvInt("FLEET_LISTEN_PORT", 0),
		AdvertiseAddr:   getenv("FLEET_ADVERTISE_ADDR", "127.0.0.1"),
		ShutdownTimeout: mustDuration("FLEET_SHUTDOWN_TIMEOUT", 5*time.Second),
		AdminAddr:       os.Getenv("FLEET_ADMIN_ADDR"),

		// Logging
		LogLevel:  getenv("FLEET_LOG_LEVEL", "info"),
		PrettyLog: mustBool("FLEET_PRETTY_LOG", true),

		// Paths
		TemplatesDescriptionPath: getenv("FLEET_TEMPLATES_DESCRIPTION_PATH", "templates.json"),
		TemplatesDirectoryPath:   getenv("FLEET_TEMPLATES_DIRECTORY_PATH", "templates"),
		InstancesDirectoryPath:   getenv("FLEET_INSTANCES_DIRECTORY_PATH", "instances"),

		// Registry settings
		RegistryBackend:     strings.ToLower(getenv("FLEET_REGISTRY_BACKEND", "redis")),
		RedisAddr:           getenv("FLEET_REDIS_ADDR", "localhost:6379"),
		RedisUser:           getenv("FLEET_REDIS_USERNAME", ""),
		RedisPassword:       getenv("FLEET_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("FLEET_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),

		CheckInterval:   mustDuration("FLEET_CHECK_INTERVAL", 10*time.Second),
		CheckTimeout:    mustDuration("FLEET_CHECK_TIMEOUT", 1*time.Second),
		DeregisterAfter: mustDuration("FLEET_DEREGISTER_AFTER", 30*time.Second),
		SweepInterval:   mustDuration("FLEET_SWEEP_INTERVAL", 10*time.Second),

		// Announcements
		AnnounceMode:       strings.ToLower(getenv("FLEET_ANNOUNCE_MODE", "multicast")),
		MulticastGroup:     getenv("FLEET_MULTICAST_GROUP", "224.0.0.200:3000"),
		MulticastInterface: getenv("FLEET_MULTICAST_INTERFACE", ""),
		GossipBindAddr:     getenv("FLEET_GOSSIP_BIND_ADDR", "0.0.0.0"),
		GossipBindPort:     getenvInt("FLEET_GOSSIP_BIND_PORT", 7946),
		GossipSeeds:        splitAndTrim(getenv("FLEET_GOSSIP_SEEDS", "")),

		PollInterval: mustDuration("FLEET_POLL_INTERVAL", 1*time.Second),
		CallTimeout:  mustDuration("FLEET_CALL_TIMEOUT", 3*time.Second),

		TickInterval:  mustDuration("FLEET_TICK_INTERVAL", 1*time.Second),
		StartupGrace:  mustDuration("FLEET_STARTUP_GRACE", 5*time.Second),
		ScaleCooldown: mustDuration("FLEET_SCALE_COOLDOWN", 60*time.Second),
		StopGrace:     mustDuration("FLEET_STOP_GRACE", 10*time.Second),
		PlacementWait: mustDuration("FLEET_PLACEMENT_WAIT", 2*time.Second),
		DrainTimeout:  mustDuration("FLEET_DRAIN_TIMEOUT", 30*time.Second),
		NodeTag:       getenv("FLEET_NODE_TAG", "node"),
		RouterName:    getenv("FLEET_ROUTER_NAME", "router"),

		// Access restrictions
		AllowedCIDRS: parseAllowedIPs(getenv("FLEET_ALLOWED_CIDRS", "")),
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfg.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// ApplyArgs overrides path options from key=value arguments.
// Keys are case-insensitive; unknown keys and arguments without '=' are ignored.
// It returns the keys that were applied.
func (c *Config) ApplyArgs(args []string) []string {
	targets := map[string]*string{
		OptTemplatesDescriptionPath: &c.TemplatesDescriptionPath,
		OptTemplatesDirectoryPath:   &c.TemplatesDirectoryPath,
		OptInstancesDirectoryPath:   &c.InstancesDirectoryPath,
	}

	var applied []string
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if dst, known := targets[key]; known {
			*dst = value
			applied = append(applied, key)
		}
	}
	return applied
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
