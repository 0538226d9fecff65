package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	App struct {
		Port    int    `mapstructure:"port"`
		AgentID string `mapstructure:"agent_id"`
	} `mapstructure:"app"`
	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	MQTT struct {
		Broker          string        `mapstructure:"broker"`
		ClientID        string        `mapstructure:"client_id"`
		Username        string        `mapstructure:"username"`
		Password        string        `mapstructure:"password"`
		KeepAlive       time.Duration `mapstructure:"keep_alive"`
		ReconnectPeriod time.Duration `mapstructure:"reconnect_period"`
		ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"mqtt"`
	JWT struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"jwt"`
	MDNS struct {
		LocalName string `mapstructure:"local_name"`
	} `mapstructure:"mdns"`
	Geo struct {
		Latitude  float64 `mapstructure:"latitude"`
		Longitude float64 `mapstructure:"longitude"`
	} `mapstructure:"geo"`
	RemoteAccess struct {
		Enabled        bool   `mapstructure:"enabled"`
		PublicWS       string `mapstructure:"public_ws"`
		RetryDelaySecs int    `mapstructure:"retry_delay_secs"`
	} `mapstructure:"remote_access"`
}

// LoadConfig reads configuration from config.yaml, .env, or env vars.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("CONFIG: No .env file loaded: %v", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("app.port", 5069)
	viper.SetDefault("mqtt.client_id", "homehub-backend")
	viper.SetDefault("mqtt.keep_alive", 60*time.Second)
	viper.SetDefault("mqtt.reconnect_period", 5*time.Second)
	viper.SetDefault("mqtt.connect_timeout", 30*time.Second)
	viper.SetDefault("mdns.local_name", "homehub.local")
	viper.SetDefault("remote_access.retry_delay_secs", 2)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("CONFIG: No config file read: %v", err)
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
