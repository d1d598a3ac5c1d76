// Package config loads the frontend's INI configuration, following the
// teacher's gopkg.in/ini.v1-backed config.Load shape, generalized from the
// two-protocol MariaDB/Postgres proxy config it replaces to this module's
// single binary/PG/HTTP multiplexed listener.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the full frontend process configuration.
type Config struct {
	Listen   ListenConfig
	TLS      TLSConfig
	Auth     AuthConfig
	Backend  BackendConfig
	Compiler CompilerConfig
	Server   ServerConfig
}

// ListenConfig is the single TCP listener address every protocol is
// multiplexed onto (spec.md §1: one listener, three wire protocols).
type ListenConfig struct {
	Address string
	Socket  string
}

// TLSConfig configures the optional TLS front; both the PG SSLRequest
// handshake and the binary protocol's TLS-in-front model swap the transport
// using the same certificate pair.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	Required bool
}

// AuthConfig configures the frontend auth backends (spec.md §6 JWT grammar,
// SCRAM/Trust policy).
type AuthConfig struct {
	JWTKeysFile    string
	TrustedNetwork bool
	BasicUser      string
	BasicPassword  string
}

// BackendConfig configures the pooled connection(s) to the real Postgres
// backend(s) this frontend executes compiled units against.
type BackendConfig struct {
	Primary     string
	Replicas    []string
	User        string
	Password    string
	MaxPoolSize int
	IdleExpiry  time.Duration
}

// CompilerConfig configures the out-of-process compiler worker pool client
// (spec.md §1 "DELIBERATELY OUT OF SCOPE" RPC boundary) and the
// process-wide compile cache sitting in front of it.
type CompilerConfig struct {
	Endpoint       string
	CacheMaxMemory int64
	CacheWorkers   int
	CacheTTL       time.Duration
}

// ServerConfig names this instance for the binary protocol's handshake
// (spec.md §4.D) and its default database.
type ServerConfig struct {
	InstanceName    string
	DefaultDatabase string
}

// Load reads configuration from an INI file with environment variable
// overrides, mirroring the teacher's Load/loadProxyConfig split.
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Listen:   loadListenConfig(cfg),
		TLS:      loadTLSConfig(cfg),
		Auth:     loadAuthConfig(cfg),
		Backend:  loadBackendConfig(cfg),
		Compiler: loadCompilerConfig(cfg),
		Server:   loadServerConfig(cfg),
	}

	if v := os.Getenv("DBFRONTEND_LISTEN"); v != "" {
		c.Listen.Address = v
	}
	if v := os.Getenv("DBFRONTEND_BACKEND_PRIMARY"); v != "" {
		c.Backend.Primary = v
	}

	return c, nil
}

func loadListenConfig(cfg *ini.File) ListenConfig {
	sec := cfg.Section("listen")
	return ListenConfig{
		Address: sec.Key("address").MustString(":5656"),
		Socket:  sec.Key("socket").String(),
	}
}

func loadTLSConfig(cfg *ini.File) TLSConfig {
	sec := cfg.Section("tls")
	return TLSConfig{
		CertFile: sec.Key("cert_file").String(),
		KeyFile:  sec.Key("key_file").String(),
		Required: sec.Key("required").MustBool(false),
	}
}

func loadAuthConfig(cfg *ini.File) AuthConfig {
	sec := cfg.Section("auth")
	return AuthConfig{
		JWTKeysFile:    sec.Key("jwt_keys_file").String(),
		TrustedNetwork: sec.Key("trusted_network").MustBool(false),
		BasicUser:      sec.Key("basic_user").String(),
		BasicPassword:  sec.Key("basic_password").String(),
	}
}

func loadBackendConfig(cfg *ini.File) BackendConfig {
	sec := cfg.Section("backend")

	var replicas []string
	if sec.HasKey("replicas") {
		raw := sec.Key("replicas").String()
		if raw != "" {
			for _, p := range strings.Split(raw, ",") {
				replicas = append(replicas, strings.TrimSpace(p))
			}
		}
	}

	return BackendConfig{
		Primary:     sec.Key("primary").MustString("127.0.0.1:5432"),
		Replicas:    replicas,
		User:        sec.Key("user").MustString("postgres"),
		Password:    sec.Key("password").String(),
		MaxPoolSize: sec.Key("max_pool_size").MustInt(32),
		IdleExpiry:  time.Duration(sec.Key("idle_expiry_seconds").MustInt(300)) * time.Second,
	}
}

func loadCompilerConfig(cfg *ini.File) CompilerConfig {
	sec := cfg.Section("compiler")
	return CompilerConfig{
		Endpoint:       sec.Key("endpoint").String(),
		CacheMaxMemory: sec.Key("cache_max_memory").MustInt64(32 * 1024 * 1024),
		CacheWorkers:   sec.Key("cache_workers").MustInt(4),
		CacheTTL:       time.Duration(sec.Key("cache_ttl_seconds").MustInt(600)) * time.Second,
	}
}

func loadServerConfig(cfg *ini.File) ServerConfig {
	sec := cfg.Section("server")
	return ServerConfig{
		InstanceName:    sec.Key("instance_name").MustString("dbfrontend"),
		DefaultDatabase: sec.Key("default_database").MustString("main"),
	}
}
