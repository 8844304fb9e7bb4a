// Package config holds the daemon's configuration surface: the key/value
// config file, the named defaults, and the tuning constants the rest of the
// daemon reads.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds session server configuration.
type Config struct {
	ServiceName string
	LogLevel    string
	LogDir      string

	TCPAddress    string
	TLSAddress    string
	ObservAddress string

	FileRoot      string
	ResumeDBPath  string
	MaxMessageLen uint32

	HeartbeatTimeout time.Duration

	// TLS material
	PFXPath       string
	CERPath       string
	PFXPassphrase string
	DevMode       bool

	// Client certificate allow-list
	AllowedThumbprints []string
	AllowedSubjects    []string
	ClientCertRequired bool

	// Dispatch tuning
	MonitorInterval time.Duration
	QueueThreshold  int
	QueueDepth      int

	// Zone map for the forwarder
	IPRulesPath string
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		ServiceName:      "portlink",
		LogLevel:         "info",
		LogDir:           "log",
		TCPAddress:       ":5200",
		TLSAddress:       ":5201",
		ObservAddress:    "127.0.0.1:8081",
		FileRoot:         "files",
		ResumeDBPath:     "resume.db",
		MaxMessageLen:    64 << 20,
		HeartbeatTimeout: 45 * time.Second,
		PFXPath:          "server.pfx",
		CERPath:          "server.cer",
		PFXPassphrase:    "portlink",
		MonitorInterval:  time.Second,
		QueueThreshold:   64,
		QueueDepth:       65536,
		IPRulesPath:      "ip-rules.txt",
	}
}

// Load reads a key/value config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	setString(v, "service.name", &cfg.ServiceName)
	setString(v, "log.level", &cfg.LogLevel)
	setString(v, "log.dir", &cfg.LogDir)
	setString(v, "listen.tcp", &cfg.TCPAddress)
	setString(v, "listen.tls", &cfg.TLSAddress)
	setString(v, "listen.observ", &cfg.ObservAddress)
	setString(v, "files.root", &cfg.FileRoot)
	setString(v, "resume.db", &cfg.ResumeDBPath)
	setString(v, "tls.pfx", &cfg.PFXPath)
	setString(v, "tls.cer", &cfg.CERPath)
	setString(v, "tls.passphrase", &cfg.PFXPassphrase)
	setString(v, "zone.rules", &cfg.IPRulesPath)

	if v.IsSet("frame.maxlen") {
		cfg.MaxMessageLen = uint32(v.GetInt64("frame.maxlen"))
	}
	if v.IsSet("heartbeat.timeout") {
		cfg.HeartbeatTimeout = time.Duration(v.GetInt("heartbeat.timeout")) * time.Second
	}
	if v.IsSet("pool.monitor.interval.ms") {
		cfg.MonitorInterval = time.Duration(v.GetInt("pool.monitor.interval.ms")) * time.Millisecond
	}
	if v.IsSet("pool.queue.threshold") {
		cfg.QueueThreshold = v.GetInt("pool.queue.threshold")
	}
	if v.IsSet("pool.queue.depth") {
		cfg.QueueDepth = v.GetInt("pool.queue.depth")
	}
	if v.IsSet("tls.devmode") {
		cfg.DevMode = v.GetBool("tls.devmode")
	}
	if v.IsSet("tls.client.required") {
		cfg.ClientCertRequired = v.GetBool("tls.client.required")
	}
	if v.IsSet("tls.client.thumbprints") {
		cfg.AllowedThumbprints = splitList(v.GetString("tls.client.thumbprints"))
	}
	if v.IsSet("tls.client.subjects") {
		cfg.AllowedSubjects = splitList(v.GetString("tls.client.subjects"))
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.HeartbeatTimeout < 3*time.Second {
		return fmt.Errorf("heartbeat timeout %s too small", c.HeartbeatTimeout)
	}
	if c.MaxMessageLen < 4096 {
		return fmt.Errorf("frame ceiling %d too small", c.MaxMessageLen)
	}
	if c.QueueThreshold < 1 || c.QueueDepth < 1 {
		return fmt.Errorf("pool queue tuning out of range")
	}
	return nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
