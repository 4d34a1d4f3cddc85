package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port   int    `mapstructure:"Port"`
		NodeID string `mapstructure:"NodeID"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Postgres"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path         string `mapstructure:"path"`
		TicketSecret string `mapstructure:"ticketSecret"`
	} `mapstructure:"Auth"`
	Storage struct {
		// memory | file | mysql | postgres | redis | s3
		Backend string `mapstructure:"backend"`
		Dir     string `mapstructure:"dir"`
		Archive bool   `mapstructure:"archive"`
	} `mapstructure:"Storage"`
	S3 struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"accessKey"`
		SecretKey string `mapstructure:"secretKey"`
		Bucket    string `mapstructure:"bucket"`
		Secure    bool   `mapstructure:"secure"`
	} `mapstructure:"S3"`
	Persistence struct {
		DebounceMs       int `mapstructure:"debounceMs"`
		MaxWaitMs        int `mapstructure:"maxWaitMs"`
		FlushIntervalSec int `mapstructure:"flushIntervalSec"`
		MaxRetry         int `mapstructure:"maxRetry"`
		BaseBackoffMs    int `mapstructure:"baseBackoffMs"`
		MaxBackoffMs     int `mapstructure:"maxBackoffMs"`
	} `mapstructure:"Persistence"`
	Undo struct {
		CoalesceMs int `mapstructure:"coalesceMs"`
		MaxDepth   int `mapstructure:"maxDepth"`
	} `mapstructure:"Undo"`
	Relay struct {
		OutboundBuffer int `mapstructure:"outboundBuffer"`
		LogCapacity    int `mapstructure:"logCapacity"`
		AntiEntropyMs  int `mapstructure:"antiEntropyMs"`
	} `mapstructure:"Relay"`
	Cors struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"Cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 8082)
	v.SetDefault("Kafka.Topic", "collab.updates")
	v.SetDefault("Storage.Backend", "memory")
	v.SetDefault("Storage.Dir", "./data/documents")
	v.SetDefault("S3.Bucket", "collab-documents")
	v.SetDefault("Persistence.DebounceMs", 750)
	v.SetDefault("Persistence.MaxWaitMs", 3000)
	v.SetDefault("Persistence.FlushIntervalSec", 30)
	v.SetDefault("Persistence.MaxRetry", 5)
	v.SetDefault("Persistence.BaseBackoffMs", 100)
	v.SetDefault("Persistence.MaxBackoffMs", 5000)
	v.SetDefault("Undo.CoalesceMs", 500)
	v.SetDefault("Undo.MaxDepth", 100)
	v.SetDefault("Relay.OutboundBuffer", 256)
	v.SetDefault("Relay.LogCapacity", 4096)
	v.SetDefault("Relay.AntiEntropyMs", 5000)
	v.SetDefault("Cors.Enabled", true)
}

// Load reads collabConfig.yaml (or file when set). A missing file is fine:
// defaults and COLLAB_* environment variables still apply, e.g.
// COLLAB_STORAGE_BACKEND=redis.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) Debounce() time.Duration    { return ms(c.Persistence.DebounceMs) }
func (c *Config) MaxWait() time.Duration     { return ms(c.Persistence.MaxWaitMs) }
func (c *Config) BaseBackoff() time.Duration { return ms(c.Persistence.BaseBackoffMs) }
func (c *Config) MaxBackoff() time.Duration  { return ms(c.Persistence.MaxBackoffMs) }
func (c *Config) CoalesceWindow() time.Duration {
	return ms(c.Undo.CoalesceMs)
}
func (c *Config) AntiEntropyInterval() time.Duration {
	return ms(c.Relay.AntiEntropyMs)
}
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Persistence.FlushIntervalSec) * time.Second
}
