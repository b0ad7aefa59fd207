package config

import (
	"fmt"
	"os"
	"strings"

	"chatgate/tools"
	"chatgate/tools/errs"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, errs.WrapMsg(err, "parse config", "path", path)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(c *AppConfig) {
	c.Server.Addr = tools.GetEnv("CHATGATE_ADDR", c.Server.Addr)
	c.Server.AllowedOrigins = tools.GetEnvList("CHATGATE_ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	c.Backend.Mode = tools.GetEnv("BACKEND_MODE", c.Backend.Mode)
	c.Backend.Addr = tools.GetEnv("BACKEND_ADDR", c.Backend.Addr)
	c.Backend.RPCTarget = tools.GetEnv("BACKEND_RPC_TARGET", c.Backend.RPCTarget)
	c.Backend.IdleTimeout = tools.GetEnvDuration("BACKEND_IDLE_TIMEOUT", c.Backend.IdleTimeout)
	c.Backend.RequestTimeout = tools.GetEnvDuration("BACKEND_REQUEST_TIMEOUT", c.Backend.RequestTimeout)
	c.Backend.RPCRetryInterval = tools.GetEnvDuration("BACKEND_RPC_RETRY", c.Backend.RPCRetryInterval)

	c.Push.FlushOnAttach = tools.GetEnvBool("PUSH_FLUSH_ON_ATTACH", c.Push.FlushOnAttach)

	c.Auth.Enabled = tools.GetEnvBool("AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.Secret = tools.GetEnv("JWT_SECRET", c.Auth.Secret)

	c.Redis.Addr = tools.GetEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = tools.GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = tools.GetEnvInt("REDIS_DB", c.Redis.DB)

	c.Nats.Servers = tools.GetEnvList("NATS_SERVERS", c.Nats.Servers)
	c.Nats.GatewayID = tools.GetEnv("GATEWAY_ID", c.Nats.GatewayID)

	c.Kafka.Brokers = tools.GetEnvList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = tools.GetEnv("KAFKA_TOPIC", c.Kafka.Topic)

	c.Audio.Store = tools.GetEnv("AUDIO_STORE", c.Audio.Store)
	c.Audio.Dir = tools.GetEnv("AUDIO_DIR", c.Audio.Dir)
	c.Audio.MongoURI = tools.GetEnv("AUDIO_MONGO_URI", c.Audio.MongoURI)
	c.Audio.PostgresURL = tools.GetEnv("AUDIO_POSTGRES_URL", c.Audio.PostgresURL)

	c.Nacos.Addr = tools.GetEnv("NACOS_ADDR", c.Nacos.Addr)
	c.Nacos.DataID = tools.GetEnv("NACOS_DATA_ID", c.Nacos.DataID)

	c.Log.Level = tools.GetEnv("LOG_LEVEL", c.Log.Level)
}

func (c *AppConfig) Validate() error {
	switch c.Backend.Mode {
	case BackendModeLine:
		if c.Backend.Addr == "" {
			return errs.ErrArgs.WrapMsg("backend.addr is required in line mode")
		}
	case BackendModeRPC:
		if c.Backend.RPCTarget == "" {
			return errs.ErrArgs.WrapMsg("backend.rpc_target is required in rpc mode")
		}
	default:
		return errs.ErrArgs.WrapMsg(fmt.Sprintf("unknown backend.mode %q", c.Backend.Mode))
	}
	switch strings.ToLower(c.Audio.Store) {
	case AudioStoreFile, AudioStoreMongo, AudioStorePostgres:
	default:
		return errs.ErrArgs.WrapMsg(fmt.Sprintf("unknown audio.store %q", c.Audio.Store))
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return errs.ErrArgs.WrapMsg("auth.secret is required when auth is enabled")
	}
	if c.Backend.RequestTimeout <= 0 || c.Backend.IdleTimeout <= 0 {
		return errs.ErrArgs.WrapMsg("backend timeouts must be positive")
	}
	return nil
}
