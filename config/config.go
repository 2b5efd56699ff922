// Package config resolves this proxy's startup configuration from CLI
// flags with an optional INI overlay and environment-variable overrides,
// per SPEC_FULL.md §4.12.
//
// Grounded on _examples/mevdschee-tqdbproxy/config/config.go's
// gopkg.in/ini.v1-based Load()/env-override pattern (TQDBPROXY_* env vars
// read after the INI parse) and original_source/src/proxy.c's main()
// arg-parsing loop (--bind|-n, --port|-t, --bundle|-b, --username|-u,
// --password|-p, all required, fatal exit 1 on a missing or malformed
// value).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds everything needed to start the proxy: the backend
// credentials threaded through to the driver adapter, the listener
// address, and the optional result-cache and metrics collaborators
// (SPEC_FULL.md §3 Config data model).
type Config struct {
	Bundle   string
	Username string
	Password string
	Bind     string
	Port     int

	MetricsListen string

	ResultCacheEnabled    bool
	ResultCacheTTL        time.Duration
	ResultCacheMaxEntries int64
}

// defaults mirror the teacher's per-protocol defaults in loadProxyConfig,
// narrowed to this proxy's single listener.
func defaults() Config {
	return Config{
		Bind:           "127.0.0.1",
		Port:           9042,
		ResultCacheTTL: 5 * time.Second,
	}
}

// Parse builds a Config from CLI flags, applying an optional --config INI
// overlay first (so flags win over file values) and then environment
// overrides on top of both, matching config.Load's TQDBPROXY_* precedence
// but under the CQLPROXY_ prefix. Missing required fields or a malformed
// port are fatal, per SPEC_FULL.md §6's CLI exit-code contract; callers
// are expected to os.Exit(1) on error exactly as cmd/tqdbproxy/main.go does.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("cqlproxy", flag.ContinueOnError)

	cfg := defaults()

	var bundle, username, password, bind, configPath, metricsListen string
	var port int
	var resultCache bool
	var resultCacheTTL time.Duration

	fs.StringVar(&bundle, "bundle", "", "path to the secure connect bundle")
	fs.StringVar(&bundle, "b", "", "shorthand for --bundle")
	fs.StringVar(&username, "username", "", "backend username")
	fs.StringVar(&username, "u", "", "shorthand for --username")
	fs.StringVar(&password, "password", "", "backend password")
	fs.StringVar(&password, "p", "", "shorthand for --password")
	fs.StringVar(&bind, "bind", "", "address to listen on")
	fs.StringVar(&bind, "n", "", "shorthand for --bind")
	fs.IntVar(&port, "port", 0, "port to listen on")
	fs.IntVar(&port, "t", 0, "shorthand for --port")
	fs.StringVar(&configPath, "config", "", "optional INI config file")
	fs.StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on (empty disables)")
	fs.BoolVar(&resultCache, "result-cache", false, "enable the forwarded-query result cache")
	fs.DurationVar(&resultCacheTTL, "result-cache-ttl", 0, "result cache entry TTL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := applyIniOverlay(&cfg, configPath); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	if bundle != "" {
		cfg.Bundle = bundle
	}
	if username != "" {
		cfg.Username = username
	}
	if password != "" {
		cfg.Password = password
	}
	if bind != "" {
		cfg.Bind = bind
	}
	portSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "port" || f.Name == "t" {
			portSet = true
		}
	})
	if portSet {
		cfg.Port = port
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if resultCache {
		cfg.ResultCacheEnabled = true
	}
	if resultCacheTTL != 0 {
		cfg.ResultCacheTTL = resultCacheTTL
	}

	applyEnvOverrides(&cfg)

	if cfg.Bundle == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("config: --bundle, --username and --password are all required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("config: invalid port %d", cfg.Port)
	}

	return &cfg, nil
}

// applyIniOverlay loads path with ini.v1 and copies any present keys onto
// cfg, matching config.Load's loadProxyConfig section-reading style
// (sec.Key(name).MustString/MustInt defaults), but against a single
// unnamed top-level section instead of per-protocol [protocol.name] ones.
func applyIniOverlay(cfg *Config, path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	sec := f.Section("")

	if sec.HasKey("bundle") {
		cfg.Bundle = sec.Key("bundle").String()
	}
	if sec.HasKey("username") {
		cfg.Username = sec.Key("username").String()
	}
	if sec.HasKey("password") {
		cfg.Password = sec.Key("password").String()
	}
	if sec.HasKey("bind") {
		cfg.Bind = sec.Key("bind").MustString(cfg.Bind)
	}
	if sec.HasKey("port") {
		cfg.Port = sec.Key("port").MustInt(cfg.Port)
	}
	if sec.HasKey("metrics_listen") {
		cfg.MetricsListen = sec.Key("metrics_listen").String()
	}
	if sec.HasKey("result_cache") {
		cfg.ResultCacheEnabled = sec.Key("result_cache").MustBool(cfg.ResultCacheEnabled)
	}
	if sec.HasKey("result_cache_ttl") {
		if d, err := time.ParseDuration(sec.Key("result_cache_ttl").String()); err == nil {
			cfg.ResultCacheTTL = d
		}
	}
	if sec.HasKey("result_cache_max_entries") {
		cfg.ResultCacheMaxEntries = sec.Key("result_cache_max_entries").MustInt64(cfg.ResultCacheMaxEntries)
	}

	return nil
}

// applyEnvOverrides mirrors config.Load's os.Getenv("TQDBPROXY_...")
// overrides, applied last so the environment always wins.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CQLPROXY_BUNDLE"); v != "" {
		cfg.Bundle = v
	}
	if v := os.Getenv("CQLPROXY_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("CQLPROXY_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("CQLPROXY_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := os.Getenv("CQLPROXY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("CQLPROXY_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := os.Getenv("CQLPROXY_RESULT_CACHE"); v != "" {
		cfg.ResultCacheEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("CQLPROXY_RESULT_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ResultCacheTTL = d
		}
	}
}
