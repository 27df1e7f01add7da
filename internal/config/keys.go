package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "AAA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "AAA_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "backend.base_url", typ: kString, env: "AAA_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.user_id", typ: kString, env: "AAA_BACKEND_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Backend.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.UserID },
	},
	{
		key: "chat.archive_id", typ: kString, env: "AAA_CHAT_ARCHIVE_ID",
		apply:   func(cfg *Config, v any) { cfg.Chat.ArchiveID = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.ArchiveID },
	},
	{
		key: "chat.model", typ: kString, env: "AAA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Model },
	},
	{
		key: "push.enabled", typ: kBool, env: "AAA_PUSH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Push.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Push.Enabled },
	},
	{
		key: "push.transport", typ: kString, env: "AAA_PUSH_TRANSPORT",
		apply:   func(cfg *Config, v any) { cfg.Push.Transport = v.(string) },
		extract: func(cfg Config) any { return cfg.Push.Transport },
	},
	{
		key: "push.path", typ: kString, env: "AAA_PUSH_PATH",
		apply:   func(cfg *Config, v any) { cfg.Push.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Push.Path },
	},
	{
		key: "push.max_attempts", typ: kInt, env: "AAA_PUSH_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Push.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Push.MaxAttempts },
	},
	{
		key: "push.initial_backoff", typ: kDuration, env: "AAA_PUSH_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Push.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Push.InitialBackoff },
	},
	{
		key: "push.max_backoff", typ: kDuration, env: "AAA_PUSH_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Push.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Push.MaxBackoff },
	},
	{
		key: "ack.path", typ: kString, env: "AAA_ACK_PATH",
		apply:   func(cfg *Config, v any) { cfg.Ack.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Ack.Path },
	},
	{
		key: "ack.batch_size", typ: kInt, env: "AAA_ACK_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ack.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ack.BatchSize },
	},
	{
		key: "ack.flush_interval", typ: kDuration, env: "AAA_ACK_FLUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ack.FlushInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ack.FlushInterval },
	},
	{
		key: "ack.policy", typ: kString, env: "AAA_ACK_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Ack.Policy = v.(string) },
		extract: func(cfg Config) any { return cfg.Ack.Policy },
	},
	{
		key: "ack.max_attempts", typ: kInt, env: "AAA_ACK_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ack.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ack.MaxAttempts },
	},
	{
		key: "store.capacity", typ: kInt, env: "AAA_STORE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Store.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.Capacity },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AAA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "AAA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "session.id", typ: kString, env: "AAA_SESSION_ID",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Session.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.ID },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
