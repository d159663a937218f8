// Package config loads the process configuration from a file and CP_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ChargePointConfig struct {
	ID              string `mapstructure:"id"`
	Model           string `mapstructure:"model"`
	Vendor          string `mapstructure:"vendor"`
	SerialNumber    string `mapstructure:"serialNumber"`
	FirmwareVersion string `mapstructure:"firmwareVersion"`
	Connectors      int    `mapstructure:"connectors"`
}

type CentralSystemConfig struct {
	URL          string        `mapstructure:"url"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	MinReconnect time.Duration `mapstructure:"minReconnect"`
	MaxReconnect time.Duration `mapstructure:"maxReconnect"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

type EngineConfig struct {
	LoopInterval   time.Duration `mapstructure:"loopInterval"`
	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
	MaxFrameSize   int           `mapstructure:"maxFrameSize"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type NatsConfig struct {
	Enable         bool          `mapstructure:"enable"`
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

type Config struct {
	ChargePoint   ChargePointConfig   `mapstructure:"chargePoint"`
	CentralSystem CentralSystemConfig `mapstructure:"centralSystem"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Nats          NatsConfig          `mapstructure:"nats"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// EndpointURL is the WebSocket URL including the charge point identity.
func (c *Config) EndpointURL() string {
	return strings.TrimSuffix(c.CentralSystem.URL, "/") + "/" + c.ChargePoint.ID
}

// Load reads path, or charge-point.yaml in . and ./configs when path is empty.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("charge-point")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix("CP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.ChargePoint.Connectors < 1 {
		return nil, fmt.Errorf("chargePoint.connectors must be at least 1, got %d", cfg.ChargePoint.Connectors)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chargePoint.id", "CP-1")
	v.SetDefault("chargePoint.model", "Demo Charger")
	v.SetDefault("chargePoint.vendor", "Demo")
	v.SetDefault("chargePoint.serialNumber", "")
	v.SetDefault("chargePoint.firmwareVersion", "")
	v.SetDefault("chargePoint.connectors", 1)

	v.SetDefault("centralSystem.url", "ws://localhost:8887")
	v.SetDefault("centralSystem.user", "")
	v.SetDefault("centralSystem.password", "")
	v.SetDefault("centralSystem.minReconnect", "1s")
	v.SetDefault("centralSystem.maxReconnect", "1m")
	v.SetDefault("centralSystem.writeTimeout", "10s")

	v.SetDefault("engine.loopInterval", "100ms")
	v.SetDefault("engine.defaultTimeout", "40s")
	v.SetDefault("engine.maxFrameSize", 0)

	v.SetDefault("storage.dir", "data")

	v.SetDefault("nats.enable", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.requestTimeout", "30s")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 10)
	v.SetDefault("logging.file.maxBackups", 3)
	v.SetDefault("logging.file.maxAge", 14)
	v.SetDefault("logging.file.compress", true)
}
