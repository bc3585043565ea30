package config

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"strconv"
	"strings"
)

type setter func(c *Config, value string) error

func intKey(field func(*Config) *int) setter {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int %q", value)
		}
		*field(c) = n
		return nil
	}
}

func boolKey(field func(*Config) *bool) setter {
	return func(c *Config, value string) error {
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func stringKey(field func(*Config) *string) setter {
	return func(c *Config, value string) error {
		*field(c) = value
		return nil
	}
}

var keys = map[string]setter{
	"data.directory":             stringKey(func(c *Config) *string { return &c.Data.Directory }),
	"data.max_vectors_per_index": intKey(func(c *Config) *int { return &c.Data.MaxVectorsPerIndex }),

	"server.port":              intKey(func(c *Config) *int { return &c.Server.Port }),
	"server.metrics_port":      intKey(func(c *Config) *int { return &c.Server.MetricsPort }),
	"server.grpc_max_recv_mb":  intKey(func(c *Config) *int { return &c.Server.GRPCMaxRecvMB }),
	"server.grpc_max_send_mb":  intKey(func(c *Config) *int { return &c.Server.GRPCMaxSendMB }),
	"server.enable_reflection": boolKey(func(c *Config) *bool { return &c.Server.EnableReflection }),

	"guardrails.max_top_k":             intKey(func(c *Config) *int { return &c.Guardrails.MaxTopK }),
	"guardrails.max_dimensions":        intKey(func(c *Config) *int { return &c.Guardrails.MaxDimensions }),
	"guardrails.max_concurrent_search": intKey(func(c *Config) *int { return &c.Guardrails.MaxConcurrentSearch }),
	"guardrails.max_concurrent_write":  intKey(func(c *Config) *int { return &c.Guardrails.MaxConcurrentWrite }),
	"guardrails.require_rpc_deadline":  boolKey(func(c *Config) *bool { return &c.Guardrails.RequireRPCDeadline }),

	"hnsw.m":               intKey(func(c *Config) *int { return &c.HNSW.M }),
	"hnsw.ef_construction": intKey(func(c *Config) *int { return &c.HNSW.EfConstruction }),
	"hnsw.ef_search":       intKey(func(c *Config) *int { return &c.HNSW.EfSearch }),

	"resources.max_workers":           intKey(func(c *Config) *int { return &c.Resources.MaxWorkers }),
	"resources.memory_budget_percent": intKey(func(c *Config) *int { return &c.Resources.MemoryBudgetPercent }),

	"cache.enabled":     boolKey(func(c *Config) *bool { return &c.Cache.Enabled }),
	"cache.ttl_seconds": intKey(func(c *Config) *int { return &c.Cache.TTLSeconds }),
}

// parseProperties applies every recognizable line of data to cfg. Problems
// are logged per line and never abort the load.
func parseProperties(data []byte, cfg *Config) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	section := ""
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "!") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}

		rawKey, rawValue, ok := cutKeyValue(line)
		if !ok {
			log.Printf("WARN config: line %d: expected key=value, ignoring", lineNo)
			continue
		}
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if section != "" && !strings.Contains(key, ".") {
			key = section + "." + key
		}

		set, known := keys[key]
		if !known {
			log.Printf("WARN config: line %d: unknown key %q, ignoring", lineNo, key)
			continue
		}
		if err := set(cfg, cleanValue(rawValue)); err != nil {
			log.Printf("WARN config: line %d: %s: %v, using default", lineNo, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("WARN config: stopped reading at line %d: %v", lineNo, err)
	}
}

// cutKeyValue splits on the first '=' or ':', as properties files allow both.
func cutKeyValue(line string) (string, string, bool) {
	i := strings.IndexAny(line, "=:")
	if i <= 0 {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}

func cleanValue(raw string) string {
	v := strings.TrimSpace(stripInlineComment(raw))
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
	}
	return strings.TrimSpace(v)
}

func stripInlineComment(raw string) string {
	var quote byte
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case (ch == '#' || ch == ';') && (i == 0 || raw[i-1] == ' ' || raw[i-1] == '\t'):
			return strings.TrimSpace(raw[:i])
		}
	}
	return strings.TrimSpace(raw)
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", value)
	}
}

// Render writes cfg in the properties format parseProperties reads.
func Render(cfg Config) string {
	return fmt.Sprintf(`# vectordb configuration

data.directory = %s
data.max_vectors_per_index = %d

server.port = %d
# 0 disables the metrics endpoint
server.metrics_port = %d
server.grpc_max_recv_mb = %d
server.grpc_max_send_mb = %d
server.enable_reflection = %t

guardrails.max_top_k = %d
guardrails.max_dimensions = %d
guardrails.max_concurrent_search = %d
guardrails.max_concurrent_write = %d
guardrails.require_rpc_deadline = %t

hnsw.m = %d
hnsw.ef_construction = %d
hnsw.ef_search = %d

# 0 sizes the worker pool from the CPU count
resources.max_workers = %d
resources.memory_budget_percent = %d

cache.enabled = %t
cache.ttl_seconds = %d
`,
		cfg.Data.Directory, cfg.Data.MaxVectorsPerIndex,
		cfg.Server.Port, cfg.Server.MetricsPort, cfg.Server.GRPCMaxRecvMB, cfg.Server.GRPCMaxSendMB, cfg.Server.EnableReflection,
		cfg.Guardrails.MaxTopK, cfg.Guardrails.MaxDimensions, cfg.Guardrails.MaxConcurrentSearch, cfg.Guardrails.MaxConcurrentWrite,
		cfg.Guardrails.RequireRPCDeadline,
		cfg.HNSW.M, cfg.HNSW.EfConstruction, cfg.HNSW.EfSearch,
		cfg.Resources.MaxWorkers, cfg.Resources.MemoryBudgetPercent,
		cfg.Cache.Enabled, cfg.Cache.TTLSeconds)
}
