package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Status        StatusConfig        `mapstructure:"status"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Reconnect     ReconnectConfig     `mapstructure:"reconnect"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Auction       AuctionConfig       `mapstructure:"auction"`
	Fragments     FragmentsConfig     `mapstructure:"fragments"`
	User          UserConfig          `mapstructure:"user"`
	Simulator     SimulatorConfig     `mapstructure:"simulator"`
}

// StatusConfig is the local status endpoint of the live client.
type StatusConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type TransportConfig struct {
	// Kind selects the event source: "websocket" or "redis".
	Kind string `mapstructure:"kind"`
	URL  string `mapstructure:"url"`
}

type RedisConfig struct {
	Address        string `mapstructure:"address"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	EventChannel   string `mapstructure:"event_channel"`
	CommandChannel string `mapstructure:"command_channel"`
}

type ReconnectConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type NotificationsConfig struct {
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	RoutineExpiry time.Duration `mapstructure:"routine_expiry"`
	// PersonalExpiry applies to alerts addressed to the viewer (outbid,
	// alert match, auto-bid limit).
	PersonalExpiry time.Duration `mapstructure:"personal_expiry"`
}

type AuctionConfig struct {
	RecentBidsLimit int `mapstructure:"recent_bids_limit"`
	// Watch lists auction ids the reference client tracks at startup.
	Watch            []string `mapstructure:"watch"`
	DefaultIncrement float64  `mapstructure:"default_increment"`
}

type FragmentsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type UserConfig struct {
	ID string `mapstructure:"id"`
}

type SimulatorConfig struct {
	Port            int           `mapstructure:"port"`
	BidSchedule     string        `mapstructure:"bid_schedule"`
	AuctionDuration time.Duration `mapstructure:"auction_duration"`
	StartingBid     float64       `mapstructure:"starting_bid"`
	Increment       float64       `mapstructure:"increment"`
	// PublishRedis mirrors every broadcast onto the Redis event channel so
	// redis-transport clients see the same stream. With several simulator
	// replicas sharing one Redis, only the elected leader generates traffic.
	PublishRedis bool `mapstructure:"publish_redis"`
}

func Load() (*Config, error) {
	// Set default values
	viper.SetDefault("status.host", "127.0.0.1")
	viper.SetDefault("status.port", 8091)
	viper.SetDefault("transport.kind", "websocket")
	viper.SetDefault("transport.url", "ws://localhost:8090/ws")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.event_channel", "marketplace_events")
	viper.SetDefault("redis.command_channel", "client_commands")
	viper.SetDefault("reconnect.initial_backoff", 500*time.Millisecond)
	viper.SetDefault("reconnect.max_backoff", 30*time.Second)
	viper.SetDefault("notifications.dedup_window", time.Second)
	viper.SetDefault("notifications.routine_expiry", 5*time.Second)
	viper.SetDefault("notifications.personal_expiry", 15*time.Second)
	viper.SetDefault("auction.recent_bids_limit", 50)
	viper.SetDefault("auction.default_increment", 5)
	viper.SetDefault("fragments.base_url", "http://localhost:8090")
	viper.SetDefault("fragments.timeout", 10*time.Second)
	viper.SetDefault("user.id", "")
	viper.SetDefault("simulator.port", 8090)
	viper.SetDefault("simulator.bid_schedule", "@every 5s")
	viper.SetDefault("simulator.auction_duration", 2*time.Minute)
	viper.SetDefault("simulator.starting_bid", 100)
	viper.SetDefault("simulator.increment", 5)
	viper.SetDefault("simulator.publish_redis", false)

	// Configuration file settings
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/buyme-realtime/")

	// Environment variable support
	viper.AutomaticEnv()

	viper.BindEnv("status.host", "STATUS_HOST")
	viper.BindEnv("status.port", "STATUS_PORT")
	viper.BindEnv("transport.kind", "TRANSPORT_KIND")
	viper.BindEnv("transport.url", "TRANSPORT_URL")
	viper.BindEnv("redis.address", "REDIS_ADDRESS")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("fragments.base_url", "FRAGMENTS_BASE_URL")
	viper.BindEnv("user.id", "USER_ID")
	viper.BindEnv("simulator.port", "SIMULATOR_PORT")

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Transport: %s %s, Status: %s:%d, User: %s",
		c.Transport.Kind,
		c.Transport.URL,
		c.Status.Host,
		c.Status.Port,
		c.User.ID,
	)
}
