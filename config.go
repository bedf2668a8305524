package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Edward-Tollemache/smartlogger-agent/internal/modbus"
	"github.com/Edward-Tollemache/smartlogger-agent/internal/smartlogger"
)

type Config struct {
	Modbus struct {
		Host    string `yaml:"host"`
		Port    uint16 `yaml:"port"`
		UnitID  uint8  `yaml:"unit_id"`
		Timeout string `yaml:"timeout"`
		Retries int    `yaml:"retries"`
	} `yaml:"modbus"`

	Discovery struct {
		Units       string `yaml:"units"`
		Parallel    bool   `yaml:"parallel"`
		Concurrency int    `yaml:"concurrency"`
		ModelFilter string `yaml:"model_filter"`
	} `yaml:"discovery"`

	Read struct {
		Categories         []string `yaml:"categories"`
		StringCount        uint16   `yaml:"string_count"`
		IncludeEmptyAlarms bool     `yaml:"include_empty_alarms"`
		BatchSize          int      `yaml:"batch_size"`
		DeviceDelay        string   `yaml:"device_delay"`
	} `yaml:"read"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		QoS         byte   `yaml:"qos"`
		Retain      bool   `yaml:"retain"`
	} `yaml:"mqtt"`

	Interval string `yaml:"interval"`
	LogReads bool   `yaml:"log_reads"`
}

type LoadedConfig struct {
	Config

	interval    time.Duration
	timeout     time.Duration
	deviceDelay time.Duration
	units       []uint8
	categories  []smartlogger.Category
}

func loadConfig(path string) (*LoadedConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg LoadedConfig
	if err := yaml.Unmarshal(b, &cfg.Config); err != nil {
		return nil, err
	}

	err = parseConfig(&cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func parseConfig(cfg *LoadedConfig) error {
	if cfg.Modbus.Host == "" {
		return fmt.Errorf("modbus.host is required")
	}
	if cfg.Modbus.Port == 0 {
		cfg.Modbus.Port = modbus.DefaultPort
	}
	if cfg.Modbus.Retries < 0 {
		return fmt.Errorf("modbus.retries must not be negative")
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "smartlogger-agent"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "smartlogger"
	}

	if cfg.Discovery.Units == "" {
		cfg.Discovery.Units = "1-16"
	}
	cfg.units = smartlogger.ParseUnitList(cfg.Discovery.Units)
	if len(cfg.units) == 0 {
		return fmt.Errorf("discovery.units %q contains no valid unit ids", cfg.Discovery.Units)
	}
	if cfg.Discovery.Concurrency < 1 {
		cfg.Discovery.Concurrency = 4
	}

	if cfg.Read.BatchSize < 1 {
		cfg.Read.BatchSize = 5
	}

	var err error
	cfg.categories, err = smartlogger.ParseCategories(cfg.Read.Categories)
	if err != nil {
		return err
	}

	cfg.interval, err = durationOr(cfg.Interval, 30*time.Second)
	if err != nil {
		return fmt.Errorf("invalid interval %q: %w", cfg.Interval, err)
	}
	cfg.timeout, err = durationOr(cfg.Modbus.Timeout, modbus.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("invalid modbus.timeout %q: %w", cfg.Modbus.Timeout, err)
	}
	cfg.deviceDelay, err = durationOr(cfg.Read.DeviceDelay, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("invalid read.device_delay %q: %w", cfg.Read.DeviceDelay, err)
	}

	return nil
}

func durationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func (cfg *LoadedConfig) modbusConfig() modbus.Config {
	return modbus.Config{
		Host:    cfg.Modbus.Host,
		Port:    cfg.Modbus.Port,
		UnitID:  cfg.Modbus.UnitID,
		Timeout: cfg.timeout,
		Retries: cfg.Modbus.Retries,
	}
}

// modbusConfigFor builds a session config targeting a specific unit, used by
// parallel discovery's one-session-per-unit rule.
func (cfg *LoadedConfig) modbusConfigFor(unit uint8) modbus.Config {
	c := cfg.modbusConfig()
	c.UnitID = unit
	return c
}

func (cfg *LoadedConfig) readOptions() smartlogger.ReadOptions {
	return smartlogger.ReadOptions{
		Categories:         cfg.categories,
		StringCount:        cfg.Read.StringCount,
		IncludeEmptyAlarms: cfg.Read.IncludeEmptyAlarms,
	}
}

func (cfg *LoadedConfig) batchOptions() smartlogger.BatchOptions {
	return smartlogger.BatchOptions{
		BatchSize: cfg.Read.BatchSize,
		Delay:     cfg.deviceDelay,
		Read:      cfg.readOptions(),
	}
}

func (cfg *LoadedConfig) discoverOptions() smartlogger.DiscoverOptions {
	return smartlogger.DiscoverOptions{
		Units:       cfg.units,
		Concurrency: cfg.Discovery.Concurrency,
		ModelFilter: cfg.Discovery.ModelFilter,
	}
}
