package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Instance InstanceConfig `yaml:"instance"`
	Auth     AuthConfig     `yaml:"auth"`
	Redis    RedisConfig    `yaml:"redis"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Nats     NatsConfig     `yaml:"nats"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	LogLevel string         `yaml:"logLevel"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	WsPath string `yaml:"wsPath"`
}

type InstanceConfig struct {
	ID     string `yaml:"id"`
	NodeID int64  `yaml:"nodeId"`
}

type AuthConfig struct {
	JwtSecret             string        `yaml:"jwtSecret"`
	JwtAlg                string        `yaml:"jwtAlg"`
	AuthWindow            time.Duration `yaml:"authWindow"`
	SessionVersionRecheck time.Duration `yaml:"sessionVersionRecheck"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

type MongoConfig struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxPoolSize uint64 `yaml:"maxPoolSize"`
}

type KafkaConfig struct {
	Brokers             []string `yaml:"brokers"`
	AcceptedTopic       string   `yaml:"acceptedTopic"`
	ToSaveTopic         string   `yaml:"toSaveTopic"`
	SaveGroup           string   `yaml:"saveGroup"`
	ProducerRetries     int      `yaml:"producerRetries"`
	ProducerCompression string   `yaml:"producerCompression"`
}

type NatsConfig struct {
	URL string `yaml:"url"`
}

type TwoPhaseConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Mode              string `yaml:"mode"` // local | kafka
	DeliverBeforeSave bool   `yaml:"deliverBeforeSave"`
	LocalQueueCap     int    `yaml:"localQueueCap"`
}

type GatewayConfig struct {
	RouteTTL              time.Duration  `yaml:"routeTTL"`
	RouteFailFast         time.Duration  `yaml:"routeFailFast"`
	SerialQueueMaxPending int            `yaml:"serialQueueMaxPending"`
	SendQueueCap          int            `yaml:"sendQueueCap"`
	IdemLocalTTL          time.Duration  `yaml:"idemLocalTTL"`
	IdemRedisTTL          time.Duration  `yaml:"idemRedisTTL"`
	IdemFailFast          time.Duration  `yaml:"idemFailFast"`
	GroupSizeThreshold    int            `yaml:"groupSizeThreshold"`
	OnlineUserThreshold   int            `yaml:"onlineUserThreshold"`
	NotifyMaxOnlineUser   int            `yaml:"notifyMaxOnlineUser"`
	HugeGroupNoNotifySize int            `yaml:"hugeGroupNoNotifySize"`
	FanoutBatchSize       int            `yaml:"fanoutBatchSize"`
	ResendLimit           int64          `yaml:"resendLimit"`
	ResendLockTTL         time.Duration  `yaml:"resendLockTTL"`
	BackpressureGrace     time.Duration  `yaml:"backpressureGrace"`
	RingTimeout           time.Duration  `yaml:"ringTimeout"`
	RevokeWindow          time.Duration  `yaml:"revokeWindow"`
	UpdatedAtDebounce     time.Duration  `yaml:"updatedAtDebounce"`
	MaxBodyBytes          int            `yaml:"maxBodyBytes"`
	MaxSDPBytes           int            `yaml:"maxSDPBytes"`
	MaxICEBytes           int            `yaml:"maxICEBytes"`
	ForbiddenWords        []string       `yaml:"forbiddenWords"`
	TwoPhase              TwoPhaseConfig `yaml:"twoPhase"`
}

var Global AppConfig

// Load reads the YAML config at path, overlays a few env vars and applies
// defaults. Pass an empty path to run purely on defaults (tests, local dev).
func Load(path string) (*AppConfig, error) {
	cfg := &Global
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if v := os.Getenv("IM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("IM_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("IM_NATS_URL"); v != "" {
		cfg.Nats.URL = v
	}
	if v := os.Getenv("IM_JWT_SECRET"); v != "" {
		cfg.Auth.JwtSecret = v
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.WsPath == "" {
		c.Server.WsPath = "/ws"
	}
	if c.Instance.ID == "" {
		host, _ := os.Hostname()
		c.Instance.ID = "gw-" + host
	}
	if c.Auth.JwtAlg == "" {
		c.Auth.JwtAlg = "HS256"
	}
	if c.Auth.AuthWindow <= 0 {
		c.Auth.AuthWindow = 10 * time.Second
	}
	if c.Auth.SessionVersionRecheck <= 0 {
		c.Auth.SessionVersionRecheck = 30 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "miniim"
	}
	if c.Mongo.MaxPoolSize == 0 {
		c.Mongo.MaxPoolSize = 20
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.AcceptedTopic == "" {
		c.Kafka.AcceptedTopic = "im.singlechat.accepted"
	}
	if c.Kafka.ToSaveTopic == "" {
		c.Kafka.ToSaveTopic = "im.singlechat.tosave"
	}
	if c.Kafka.SaveGroup == "" {
		c.Kafka.SaveGroup = "im-save"
	}
	if c.Nats.URL == "" {
		c.Nats.URL = "nats://127.0.0.1:4222"
	}
	g := &c.Gateway
	if g.RouteTTL <= 0 {
		g.RouteTTL = 120 * time.Second
	}
	if g.RouteFailFast <= 0 {
		g.RouteFailFast = 10 * time.Second
	}
	if g.SerialQueueMaxPending <= 0 {
		g.SerialQueueMaxPending = 256
	}
	if g.SendQueueCap <= 0 {
		g.SendQueueCap = 256
	}
	if g.IdemLocalTTL <= 0 {
		g.IdemLocalTTL = 10 * time.Minute
	}
	if g.IdemRedisTTL <= 0 {
		g.IdemRedisTTL = 10 * time.Minute
	}
	if g.IdemFailFast <= 0 {
		g.IdemFailFast = 10 * time.Second
	}
	if g.GroupSizeThreshold <= 0 {
		g.GroupSizeThreshold = 2000
	}
	if g.OnlineUserThreshold <= 0 {
		g.OnlineUserThreshold = 500
	}
	if g.NotifyMaxOnlineUser <= 0 {
		g.NotifyMaxOnlineUser = 2000
	}
	if g.HugeGroupNoNotifySize <= 0 {
		g.HugeGroupNoNotifySize = 10000
	}
	if g.FanoutBatchSize <= 0 {
		g.FanoutBatchSize = 500
	}
	if g.ResendLimit <= 0 {
		g.ResendLimit = 200
	}
	if g.ResendLockTTL <= 0 {
		g.ResendLockTTL = 15 * time.Second
	}
	if g.BackpressureGrace <= 0 {
		g.BackpressureGrace = 10 * time.Second
	}
	if g.RingTimeout <= 0 {
		g.RingTimeout = 30 * time.Second
	}
	if g.RevokeWindow <= 0 {
		g.RevokeWindow = 2 * time.Minute
	}
	if g.UpdatedAtDebounce <= 0 {
		g.UpdatedAtDebounce = 2 * time.Second
	}
	if g.MaxBodyBytes <= 0 {
		g.MaxBodyBytes = 8192
	}
	if g.MaxSDPBytes <= 0 {
		g.MaxSDPBytes = 65536
	}
	if g.MaxICEBytes <= 0 {
		g.MaxICEBytes = 16384
	}
	if g.TwoPhase.Mode == "" {
		g.TwoPhase.Mode = "local"
	}
	if g.TwoPhase.LocalQueueCap <= 0 {
		g.TwoPhase.LocalQueueCap = 4096
	}
}

func (c *AppConfig) JwtSecretBytes() []byte {
	return []byte(c.Auth.JwtSecret)
}
