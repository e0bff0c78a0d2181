package config

import (
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	pkgconfig "github.com/HaoLiu-CQUPT/hybrid-chat/pkg/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/pubsub"
	"github.com/HaoLiu-CQUPT/hybrid-chat/pkg/storage"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Chat      ChatConfig
	Store     StoreConfig
	ID        IDConfig
	Media     MediaConfig
	Events    pubsub.Config
	Presence  PresenceConfig
	Log       LogConfig

	source *viper.Viper
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type ChatConfig struct {
	DefaultRoom   string `mapstructure:"default_room"`
	HistoryLimit  int    `mapstructure:"history_limit"`
	LoadMoreLimit int    `mapstructure:"load_more_limit"`
	MaxPageLimit  int    `mapstructure:"max_page_limit"`
	SearchLimit   int    `mapstructure:"search_limit"`
}

type StoreConfig struct {
	Driver    string // memory, sqlite, postgres, mysql, cassandra
	Database  DatabaseConfig
	Cassandra CassandraConfig
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	FilePath        string `mapstructure:"file_path"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	LogLevel        string `mapstructure:"log_level"`
}

type CassandraConfig struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	Username       string
	Password       string
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration
	NumConns       int `mapstructure:"num_conns"`
}

type IDConfig struct {
	Strategy       string // uuid, snowflake, ulid, ksuid, nanoid, cuid2
	MachineID      int64  `mapstructure:"machine_id"`
	Epoch          int64
	NanoIDSize     int    `mapstructure:"nanoid_size"`
	NanoIDAlphabet string `mapstructure:"nanoid_alphabet"`
	CUID2Length    int    `mapstructure:"cuid2_length"`
}

type MediaConfig struct {
	Driver    string // none, local, s3
	Prefix    string
	URLExpiry time.Duration `mapstructure:"url_expiry"`
	Local     storage.LocalConfig
	S3        storage.S3Config
}

type PresenceConfig struct {
	Mirror string // none, redis
	Redis  PresenceRedisConfig
}

type PresenceRedisConfig struct {
	Address           string
	Password          string
	DB                int
	Prefix            string
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load(pkgconfig.GetEnv("CONFIG_PATH", "./config"), "config")
	if err != nil {
		return nil, err
	}

	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.source = v

	// Parse durations
	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 15*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Store.Cassandra.ConnectTimeout = parseDuration(v, "store.cassandra.connect_timeout", 10*time.Second)
	cfg.Store.Cassandra.Timeout = parseDuration(v, "store.cassandra.timeout", 5*time.Second)
	cfg.Media.URLExpiry = parseDuration(v, "media.url_expiry", 7*24*time.Hour)
	cfg.Events.Redis.ReadTimeout = parseDuration(v, "events.redis.read_timeout", 3*time.Second)
	cfg.Events.Redis.WriteTimeout = parseDuration(v, "events.redis.write_timeout", 3*time.Second)
	cfg.Presence.Redis.KeyTTL = parseDuration(v, "presence.redis.key_ttl", 30*time.Second)
	cfg.Presence.Redis.HeartbeatInterval = parseDuration(v, "presence.redis.heartbeat_interval", 10*time.Second)

	// CASSANDRA_HOSTS: comma-separated, e.g. "cassandra:9042" or "host1:9042,host2:9042"
	if hosts := os.Getenv("CASSANDRA_HOSTS"); hosts != "" {
		cfg.Store.Cassandra.Hosts = splitList(hosts)
	}

	return &cfg, nil
}

// WatchLogLevel calls fn with log.level each time the config file is
// written. It reports false when no config file was loaded.
func (c *Config) WatchLogLevel(fn func(level string)) bool {
	if c.source == nil || c.source.ConfigFileUsed() == "" {
		return false
	}
	c.source.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(c.source.GetString("log.level"))
	})
	c.source.WatchConfig()
	return true
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	// data: URL media messages arrive inline.
	v.SetDefault("websocket.max_message_size", 8<<20)
	v.SetDefault("websocket.send_buffer", 256)

	v.SetDefault("chat.default_room", "default")
	v.SetDefault("chat.history_limit", 50)
	v.SetDefault("chat.load_more_limit", 20)
	v.SetDefault("chat.max_page_limit", 100)
	v.SetDefault("chat.search_limit", 100)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database.host", "localhost")
	v.SetDefault("store.database.port", 5432)
	v.SetDefault("store.database.user", "postgres")
	v.SetDefault("store.database.password", "postgres")
	v.SetDefault("store.database.dbname", "chat")
	v.SetDefault("store.database.sslmode", "disable")
	v.SetDefault("store.database.file_path", "./data/chat.db")
	v.SetDefault("store.database.max_idle_conns", 10)
	v.SetDefault("store.database.max_open_conns", 100)
	v.SetDefault("store.database.conn_max_lifetime", 60)
	v.SetDefault("store.database.log_level", "warn")
	v.SetDefault("store.cassandra.hosts", []string{"localhost:9042"})
	v.SetDefault("store.cassandra.keyspace", "chat")
	v.SetDefault("store.cassandra.consistency", "LOCAL_QUORUM")
	v.SetDefault("store.cassandra.connect_timeout", "10s")
	v.SetDefault("store.cassandra.timeout", "5s")
	v.SetDefault("store.cassandra.num_conns", 2)

	v.SetDefault("id.strategy", "uuid")
	v.SetDefault("id.machine_id", 1)
	v.SetDefault("id.epoch", 1704067200000) // 2024-01-01T00:00:00Z
	v.SetDefault("id.nanoid_size", 21)
	v.SetDefault("id.nanoid_alphabet", "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	v.SetDefault("id.cuid2_length", 24)

	v.SetDefault("media.driver", "none")
	v.SetDefault("media.prefix", "chat-media")
	v.SetDefault("media.url_expiry", "168h")
	v.SetDefault("media.local.base_path", "./data/media")
	v.SetDefault("media.local.url_prefix", "/media")
	v.SetDefault("media.s3.region", "us-east-1")
	v.SetDefault("media.s3.bucket", "chat-media")

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.redis.address", "localhost:6379")
	v.SetDefault("events.redis.pool_size", 10)
	v.SetDefault("events.redis.read_timeout", "3s")
	v.SetDefault("events.redis.write_timeout", "3s")
	v.SetDefault("events.kafka.brokers", "localhost:9092")
	v.SetDefault("events.kafka.partitions", 8)

	v.SetDefault("presence.mirror", "none")
	v.SetDefault("presence.redis.address", "localhost:6379")
	v.SetDefault("presence.redis.db", 0)
	v.SetDefault("presence.redis.prefix", "chat:presence")
	v.SetDefault("presence.redis.key_ttl", "30s")
	v.SetDefault("presence.redis.heartbeat_interval", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("chat.default_room", "DEFAULT_ROOM")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("store.database.host", "DB_HOST")
	v.BindEnv("store.database.port", "DB_PORT")
	v.BindEnv("store.database.user", "DB_USER")
	v.BindEnv("store.database.password", "DB_PASSWORD")
	v.BindEnv("store.database.dbname", "DB_NAME")
	v.BindEnv("store.database.sslmode", "DB_SSLMODE")
	v.BindEnv("store.database.file_path", "DB_FILE_PATH")
	v.BindEnv("store.cassandra.keyspace", "CASSANDRA_KEYSPACE")
	v.BindEnv("store.cassandra.username", "CASSANDRA_USERNAME")
	v.BindEnv("store.cassandra.password", "CASSANDRA_PASSWORD")
	v.BindEnv("id.strategy", "ID_STRATEGY")
	v.BindEnv("id.machine_id", "MACHINE_ID")
	v.BindEnv("media.driver", "MEDIA_DRIVER")
	v.BindEnv("media.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("media.s3.bucket", "S3_BUCKET")
	v.BindEnv("media.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("media.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("media.s3.public_url", "S3_PUBLIC_URL")
	v.BindEnv("events.driver", "EVENTS_DRIVER")
	v.BindEnv("events.redis.address", "REDIS_ADDRESS")
	v.BindEnv("events.redis.password", "REDIS_PASSWORD")
	v.BindEnv("events.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("presence.mirror", "PRESENCE_MIRROR")
	v.BindEnv("presence.redis.address", "REDIS_ADDRESS")
	v.BindEnv("presence.redis.password", "REDIS_PASSWORD")
	v.BindEnv("log.level", "LOG_LEVEL")
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitList(s string) []string {
	parts := strings.Split(strings.TrimSpace(s), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
