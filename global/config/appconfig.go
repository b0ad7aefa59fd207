package config

import "time"

const (
	BackendModeLine = "line"
	BackendModeRPC  = "rpc"

	AudioStoreFile     = "file"
	AudioStoreMongo    = "mongo"
	AudioStorePostgres = "postgres"
)

type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Push    PushConfig    `yaml:"push"`
	Auth    AuthConfig    `yaml:"auth"`
	Redis   RedisConfig   `yaml:"redis"`
	Nats    NatsConfig    `yaml:"nats"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Audio   AudioConfig   `yaml:"audio"`
	Nacos   NacosConfig   `yaml:"nacos"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`            // http 监听地址
	AllowedOrigins []string `yaml:"allowed_origins"` // 为空时仅放行 localhost / 127.0.0.1
}

type BackendConfig struct {
	Mode             string        `yaml:"mode"` // line | rpc
	Addr             string        `yaml:"addr"`
	RPCTarget        string        `yaml:"rpc_target"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	RPCRetryInterval time.Duration `yaml:"rpc_retry_interval"`
	MaxLineBytes     int           `yaml:"max_line_bytes"`
}

type PushConfig struct {
	AuthTimeout   time.Duration `yaml:"auth_timeout"`
	SendQueue     int           `yaml:"send_queue"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	FlushOnAttach bool          `yaml:"flush_on_attach"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Secret  string        `yaml:"secret"`
	TTL     time.Duration `yaml:"ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // 为空则不启用 redis
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type NatsConfig struct {
	Servers   []string `yaml:"servers"` // 为空则不启用跨网关转发
	GatewayID string   `yaml:"gateway_id"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AudioConfig struct {
	Store       string `yaml:"store"`
	Dir         string `yaml:"dir"`
	MongoURI    string `yaml:"mongo_uri"`
	MongoDB     string `yaml:"mongo_db"`
	PostgresURL string `yaml:"postgres_url"`
}

type NacosConfig struct {
	Addr      string `yaml:"addr"` // host:port，为空则不启用
	Namespace string `yaml:"namespace"`
	DataID    string `yaml:"data_id"`
	Group     string `yaml:"group"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// 非空时把本网关注册到 nacos 服务列表
	AdvertiseAddr string `yaml:"advertise_addr"`
	Service       string `yaml:"service"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{Addr: ":3000"},
		Backend: BackendConfig{
			Mode:             BackendModeLine,
			Addr:             "localhost:12345",
			RPCTarget:        "localhost:10000",
			DialTimeout:      5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      5 * time.Minute,
			RequestTimeout:   30 * time.Second,
			RPCRetryInterval: 5 * time.Second,
			MaxLineBytes:     1 << 20,
		},
		Push: PushConfig{
			AuthTimeout:  30 * time.Second,
			SendQueue:    256,
			PingInterval: 25 * time.Second,
		},
		Auth:  AuthConfig{TTL: 12 * time.Hour},
		Redis: RedisConfig{PoolSize: 20},
		Nats:  NatsConfig{GatewayID: "gateway-1"},
		Kafka: KafkaConfig{Topic: "chat_push_deliveries"},
		Audio: AudioConfig{
			Store:   AudioStoreFile,
			Dir:     "./audio_files",
			MongoDB: "chatgate",
		},
		Nacos: NacosConfig{Namespace: "public", DataID: "chatgate.yaml", Group: "DEFAULT_GROUP", Service: "chatgate"},
		Log:   LogConfig{Level: "info"},
	}
}
