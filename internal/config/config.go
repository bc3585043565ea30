// Package config loads the server configuration from a properties file
// (flat dotted keys, optionally grouped under [section] headers) or a YAML
// file, fills in defaults and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "vectordb.properties"
	// PathEnv overrides DefaultPath when no -config flag is given.
	PathEnv = "VECTORDB_CONFIG"
)

type Config struct {
	Data       DataConfig       `yaml:"data"`
	Server     ServerConfig     `yaml:"server"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	HNSW       HNSWConfig       `yaml:"hnsw"`
	Resources  ResourcesConfig  `yaml:"resources"`
	Cache      CacheConfig      `yaml:"cache"`
}

type DataConfig struct {
	Directory          string `yaml:"directory"`
	MaxVectorsPerIndex int    `yaml:"max_vectors_per_index"`
}

type ServerConfig struct {
	Port             int  `yaml:"port"`
	MetricsPort      int  `yaml:"metrics_port"`
	GRPCMaxRecvMB    int  `yaml:"grpc_max_recv_mb"`
	GRPCMaxSendMB    int  `yaml:"grpc_max_send_mb"`
	EnableReflection bool `yaml:"enable_reflection"`
}

type GuardrailsConfig struct {
	MaxTopK             int  `yaml:"max_top_k"`
	MaxDimensions       int  `yaml:"max_dimensions"`
	MaxConcurrentSearch int  `yaml:"max_concurrent_search"`
	MaxConcurrentWrite  int  `yaml:"max_concurrent_write"`
	RequireRPCDeadline  bool `yaml:"require_rpc_deadline"`
}

type HNSWConfig struct {
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

type ResourcesConfig struct {
	MaxWorkers          int `yaml:"max_workers"`
	MemoryBudgetPercent int `yaml:"memory_budget_percent"`
}

type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

func Default() Config {
	return Config{
		Data: DataConfig{
			Directory:          "data",
			MaxVectorsPerIndex: 65536,
		},
		Server: ServerConfig{
			Port:          50051,
			MetricsPort:   9090,
			GRPCMaxRecvMB: 32,
			GRPCMaxSendMB: 32,
		},
		Guardrails: GuardrailsConfig{
			MaxTopK:             1024,
			MaxDimensions:       8192,
			MaxConcurrentSearch: 64,
			MaxConcurrentWrite:  128,
		},
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
		},
		Resources: ResourcesConfig{
			MemoryBudgetPercent: 80,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: 30,
		},
	}
}

// ResolvePath picks the config file: the flag value, then $VECTORDB_CONFIG,
// then DefaultPath.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(PathEnv)); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults. Only I/O and YAML syntax errors are
// returned; bad values are logged and replaced with defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := decode(path, data, &cfg); err != nil {
		return Default(), fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// LoadOrCreate loads path, first writing a default file if none exists.
// created reports whether the file was written.
func LoadOrCreate(path string) (cfg Config, created bool, err error) {
	cfg, err = Load(path)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return cfg, false, err
	}
	if err := writeDefault(path); err != nil {
		return Default(), false, err
	}
	return Default(), true, nil
}

// LoadOrDefault is the startup form of LoadOrCreate: a file that cannot be
// read, parsed or created is logged and the defaults are used instead.
func LoadOrDefault(path string) (Config, bool) {
	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		log.Printf("WARN config: %v, using defaults path=%s", err, path)
		return Default(), false
	}
	return cfg, created
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil
		}
		return yaml.Unmarshal(data, cfg)
	}
	parseProperties(data, cfg)
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func writeDefault(path string) error {
	var body []byte
	if isYAML(path) {
		out, err := yaml.Marshal(Default())
		if err != nil {
			return fmt.Errorf("render default config: %w", err)
		}
		body = out
	} else {
		body = []byte(Render(Default()))
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write default config %q: %w", path, err)
	}
	return nil
}

// normalize replaces out-of-range values with defaults.
func (c *Config) normalize() {
	def := Default()
	fix := func(key string, v *int, floor, fallback int) {
		if *v < floor {
			log.Printf("WARN config: %s=%d out of range, using default %d", key, *v, fallback)
			*v = fallback
		}
	}

	if strings.TrimSpace(c.Data.Directory) == "" {
		c.Data.Directory = def.Data.Directory
	}
	fix("data.max_vectors_per_index", &c.Data.MaxVectorsPerIndex, 1, def.Data.MaxVectorsPerIndex)

	fix("server.port", &c.Server.Port, 1, def.Server.Port)
	fix("server.metrics_port", &c.Server.MetricsPort, 0, def.Server.MetricsPort)
	fix("server.grpc_max_recv_mb", &c.Server.GRPCMaxRecvMB, 1, def.Server.GRPCMaxRecvMB)
	fix("server.grpc_max_send_mb", &c.Server.GRPCMaxSendMB, 1, def.Server.GRPCMaxSendMB)

	fix("guardrails.max_top_k", &c.Guardrails.MaxTopK, 1, def.Guardrails.MaxTopK)
	fix("guardrails.max_dimensions", &c.Guardrails.MaxDimensions, 1, def.Guardrails.MaxDimensions)
	fix("guardrails.max_concurrent_search", &c.Guardrails.MaxConcurrentSearch, 1, def.Guardrails.MaxConcurrentSearch)
	fix("guardrails.max_concurrent_write", &c.Guardrails.MaxConcurrentWrite, 1, def.Guardrails.MaxConcurrentWrite)

	fix("hnsw.m", &c.HNSW.M, 2, def.HNSW.M)
	fix("hnsw.ef_construction", &c.HNSW.EfConstruction, 1, def.HNSW.EfConstruction)
	fix("hnsw.ef_search", &c.HNSW.EfSearch, 1, def.HNSW.EfSearch)

	fix("resources.max_workers", &c.Resources.MaxWorkers, 0, def.Resources.MaxWorkers)
	fix("resources.memory_budget_percent", &c.Resources.MemoryBudgetPercent, 1, def.Resources.MemoryBudgetPercent)

	fix("cache.ttl_seconds", &c.Cache.TTLSeconds, 1, def.Cache.TTLSeconds)
}
