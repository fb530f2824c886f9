package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DCGM connection modes.
const (
	DCGMModeEmbedded = "embedded"
	DCGMModeRemote   = "remote"
)

// Config represents runtime configuration sourced from an optional YAML file
// and environment variables.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	DefaultGPU       string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	DCGM             DCGMConfig
	WS               WebsocketConfig
	OTLP             OTLPConfig
	Influx           InfluxConfig
	MQTT             MQTTConfig
}

// DCGMConfig selects how the daemon is reached.
type DCGMConfig struct {
	Mode        string
	Host        string
	Port        int
	LibraryPath string
	// Profiling enables the SM activity watch, which often needs root.
	Profiling bool
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// OTLPConfig enables the OpenTelemetry push exporter when Endpoint is set.
type OTLPConfig struct {
	Endpoint string
	Interval time.Duration
	Insecure bool
}

// InfluxConfig enables the InfluxDB sink when URL is set.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// MQTTConfig enables the MQTT sink when Broker is set.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// fileConfig is the YAML layout. Leaves are strings so file and environment
// values share one parser.
type fileConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	SampleInterval   string `yaml:"sample_interval"`
	AllowedOrigins   string `yaml:"allowed_origins"`
	DefaultGPU       string `yaml:"default_gpu"`
	EnablePrometheus string `yaml:"enable_prometheus"`
	EnablePprof      string `yaml:"enable_pprof"`
	LogLevel         string `yaml:"log_level"`
	DCGM             struct {
		Mode      string `yaml:"mode"`
		Host      string `yaml:"host"`
		Port      string `yaml:"port"`
		Library   string `yaml:"library"`
		Profiling string `yaml:"profiling"`
	} `yaml:"dcgm"`
	WebSocket struct {
		MaxClients   string `yaml:"max_clients"`
		WriteTimeout string `yaml:"write_timeout"`
		ReadTimeout  string `yaml:"read_timeout"`
	} `yaml:"websocket"`
	OTLP struct {
		Endpoint string `yaml:"endpoint"`
		Interval string `yaml:"interval"`
		Insecure string `yaml:"insecure"`
	} `yaml:"otlp"`
	Influx struct {
		URL    string `yaml:"url"`
		Token  string `yaml:"token"`
		Org    string `yaml:"org"`
		Bucket string `yaml:"bucket"`
	} `yaml:"influxdb"`
	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
}

func (f fileConfig) values() map[string]string {
	return map[string]string{
		"APP_LISTEN_ADDR":       f.ListenAddr,
		"APP_SAMPLE_INTERVAL":   f.SampleInterval,
		"APP_ALLOWED_ORIGINS":   f.AllowedOrigins,
		"APP_DEFAULT_GPU":       f.DefaultGPU,
		"APP_ENABLE_PROMETHEUS": f.EnablePrometheus,
		"APP_ENABLE_PPROF":      f.EnablePprof,
		"APP_LOG_LEVEL":         f.LogLevel,
		"APP_DCGM_MODE":         f.DCGM.Mode,
		"APP_DCGM_HOST":         f.DCGM.Host,
		"APP_DCGM_PORT":         f.DCGM.Port,
		"APP_DCGM_LIBRARY":      f.DCGM.Library,
		"APP_DCGM_PROFILING":    f.DCGM.Profiling,
		"APP_WS_MAX_CLIENTS":    f.WebSocket.MaxClients,
		"APP_WS_WRITE_TIMEOUT":  f.WebSocket.WriteTimeout,
		"APP_WS_READ_TIMEOUT":   f.WebSocket.ReadTimeout,
		"APP_OTLP_ENDPOINT":     f.OTLP.Endpoint,
		"APP_OTLP_INTERVAL":     f.OTLP.Interval,
		"APP_OTLP_INSECURE":     f.OTLP.Insecure,
		"APP_INFLUX_URL":        f.Influx.URL,
		"APP_INFLUX_TOKEN":      f.Influx.Token,
		"APP_INFLUX_ORG":        f.Influx.Org,
		"APP_INFLUX_BUCKET":     f.Influx.Bucket,
		"APP_MQTT_BROKER":       f.MQTT.Broker,
		"APP_MQTT_CLIENT_ID":    f.MQTT.ClientID,
		"APP_MQTT_TOPIC_PREFIX": f.MQTT.TopicPrefix,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// APP_CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		SampleInterval:   2 * time.Second,
		AllowedOrigins:   []string{"*"},
		DefaultGPU:       "auto",
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		DCGM: DCGMConfig{
			Mode:      DCGMModeEmbedded,
			Host:      "localhost",
			Profiling: true,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		OTLP: OTLPConfig{
			Interval: 15 * time.Second,
			Insecure: true,
		},
		Influx: InfluxConfig{
			Bucket: "dcgmtop",
		},
		MQTT: MQTTConfig{
			ClientID:    "dcgmtop-web",
			TopicPrefix: "dcgmtop",
		},
	}

	fileValues := map[string]string{}
	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		values, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		fileValues = values
	}

	lookup := func(key string) string {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
		return strings.TrimSpace(fileValues[key])
	}

	if err := apply(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read APP_CONFIG_FILE: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse APP_CONFIG_FILE %s: %w", path, err)
	}
	return file.values(), nil
}

func apply(cfg *Config, lookup func(string) string) error {
	if value := lookup("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if value := lookup("APP_SAMPLE_INTERVAL"); value != "" {
		duration, err := parsePositiveDuration("APP_SAMPLE_INTERVAL", value)
		if err != nil {
			return err
		}
		cfg.SampleInterval = duration
	}

	if value := lookup("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := lookup("APP_DEFAULT_GPU"); value != "" {
		cfg.DefaultGPU = value
	}

	if value := lookup("APP_ENABLE_PROMETHEUS"); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse APP_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := lookup("APP_ENABLE_PPROF"); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := lookup("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := lookup("APP_DCGM_MODE"); value != "" {
		cfg.DCGM.Mode = strings.ToLower(value)
	}

	if value := lookup("APP_DCGM_HOST"); value != "" {
		cfg.DCGM.Host = value
	}

	if value := lookup("APP_DCGM_PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse APP_DCGM_PORT: %w", err)
		}
		if port < 0 || port > 65535 {
			return fmt.Errorf("APP_DCGM_PORT must be within 0-65535")
		}
		cfg.DCGM.Port = port
	}

	if value := lookup("APP_DCGM_LIBRARY"); value != "" {
		cfg.DCGM.LibraryPath = value
	}

	if value := lookup("APP_DCGM_PROFILING"); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse APP_DCGM_PROFILING: %w", err)
		}
		cfg.DCGM.Profiling = enabled
	}

	if value := lookup("APP_WS_MAX_CLIENTS"); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := lookup("APP_WS_WRITE_TIMEOUT"); value != "" {
		timeout, err := parsePositiveDuration("APP_WS_WRITE_TIMEOUT", value)
		if err != nil {
			return err
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := lookup("APP_WS_READ_TIMEOUT"); value != "" {
		timeout, err := parsePositiveDuration("APP_WS_READ_TIMEOUT", value)
		if err != nil {
			return err
		}
		cfg.WS.ReadTimeout = timeout
	}

	if value := lookup("APP_OTLP_ENDPOINT"); value != "" {
		cfg.OTLP.Endpoint = value
	}

	if value := lookup("APP_OTLP_INTERVAL"); value != "" {
		interval, err := parsePositiveDuration("APP_OTLP_INTERVAL", value)
		if err != nil {
			return err
		}
		cfg.OTLP.Interval = interval
	}

	if value := lookup("APP_OTLP_INSECURE"); value != "" {
		insecure, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse APP_OTLP_INSECURE: %w", err)
		}
		cfg.OTLP.Insecure = insecure
	}

	if value := lookup("APP_INFLUX_URL"); value != "" {
		cfg.Influx.URL = value
	}
	if value := lookup("APP_INFLUX_TOKEN"); value != "" {
		cfg.Influx.Token = value
	}
	if value := lookup("APP_INFLUX_ORG"); value != "" {
		cfg.Influx.Org = value
	}
	if value := lookup("APP_INFLUX_BUCKET"); value != "" {
		cfg.Influx.Bucket = value
	}

	if value := lookup("APP_MQTT_BROKER"); value != "" {
		cfg.MQTT.Broker = value
	}
	if value := lookup("APP_MQTT_CLIENT_ID"); value != "" {
		cfg.MQTT.ClientID = value
	}
	if value := lookup("APP_MQTT_TOPIC_PREFIX"); value != "" {
		cfg.MQTT.TopicPrefix = strings.Trim(value, "/")
	}

	return nil
}

func (c Config) validate() error {
	switch c.DCGM.Mode {
	case DCGMModeEmbedded:
	case DCGMModeRemote:
		if c.DCGM.Host == "" {
			return fmt.Errorf("APP_DCGM_HOST is required in remote mode")
		}
	default:
		return fmt.Errorf("APP_DCGM_MODE must be %q or %q, got %q", DCGMModeEmbedded, DCGMModeRemote, c.DCGM.Mode)
	}

	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("APP_INFLUX_ORG and APP_INFLUX_BUCKET are required when APP_INFLUX_URL is set")
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("APP_MQTT_TOPIC_PREFIX must not be empty")
	}
	return nil
}

func parsePositiveDuration(key, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return duration, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
