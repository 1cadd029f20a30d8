// Package config loads the watcher daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Host kinds.
const (
	HostBrowser = "browser"
	HostHTTP    = "http"
)

// Sink kinds.
const (
	SinkNotify  = "notify"  // the service's /notify endpoint
	SinkWebhook = "webhook" // any URL accepting the notify payload
	SinkStdout  = "stdout"
)

// Config is the top-level watcher configuration.
type Config struct {
	// Service is the notify service base URL (config, notify, pending rule).
	Service string `yaml:"service"`
	// RulesFile, when set, replaces the service as the rule source.
	RulesFile string `yaml:"rules_file"`

	Engine   EngineConfig   `yaml:"engine"`
	Browser  BrowserConfig  `yaml:"browser"`
	Pages    []PageConfig   `yaml:"pages"`
	Debounce DebounceConfig `yaml:"debounce"`
	Sinks    []SinkConfig   `yaml:"sinks"`
}

// EngineConfig holds the per-page engine timers.
type EngineConfig struct {
	RescanInterval time.Duration `yaml:"rescan_interval"`
	TitleInterval  time.Duration `yaml:"title_interval"`
	ConfigInterval time.Duration `yaml:"config_interval"`
	RecentLimit    int           `yaml:"recent_limit"`
	Screenshots    bool          `yaml:"screenshots"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	ResourceBlocking []string `yaml:"resource_blocking"`
	Stealth          string   `yaml:"stealth"` // headless | headful
	XvfbDisplay      string   `yaml:"xvfb_display"`
}

// PageConfig defines a page to watch.
type PageConfig struct {
	URL          string        `yaml:"url"`
	Host         string        `yaml:"host"` // browser | http
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DebounceConfig controls mutation batching in the browser host.
type DebounceConfig struct {
	Window    time.Duration `yaml:"window"`
	MaxBuffer int           `yaml:"max_buffer"`
}

// SinkConfig defines a notification output.
type SinkConfig struct {
	Type    string `yaml:"type"` // notify | webhook | stdout
	URL     string `yaml:"url"`  // webhook
	Retries int    `yaml:"retries"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Service = strings.TrimRight(strings.TrimSpace(c.Service), "/")
	if c.Service == "" && c.RulesFile == "" {
		c.Service = "http://127.0.0.1:5005"
	}
	if c.Engine.RescanInterval <= 0 {
		c.Engine.RescanInterval = 10 * time.Second
	}
	if c.Engine.TitleInterval <= 0 {
		c.Engine.TitleInterval = 2 * time.Second
	}
	if c.Engine.ConfigInterval <= 0 {
		c.Engine.ConfigInterval = 15 * time.Second
	}
	if c.Engine.RecentLimit <= 0 {
		c.Engine.RecentLimit = 50
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Debounce.Window <= 0 {
		c.Debounce.Window = 250 * time.Millisecond
	}
	if c.Debounce.MaxBuffer <= 0 {
		c.Debounce.MaxBuffer = 1000
	}
	for i := range c.Pages {
		p := &c.Pages[i]
		p.Host = strings.ToLower(strings.TrimSpace(p.Host))
		if p.Host == "" {
			p.Host = HostBrowser
		}
		if p.PollInterval <= 0 {
			p.PollInterval = 60 * time.Second
		}
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: SinkNotify}}
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if len(c.Pages) == 0 {
		return fmt.Errorf("config: no pages to watch")
	}
	for i, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: pages[%d]: missing url", i)
		}
		if p.Host != HostBrowser && p.Host != HostHTTP {
			return fmt.Errorf("config: pages[%d]: unknown host %q", i, p.Host)
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case SinkNotify:
			if c.Service == "" {
				return fmt.Errorf("config: sinks[%d]: notify sink needs a service url", i)
			}
		case SinkWebhook:
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook sink needs a url", i)
			}
		case SinkStdout:
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}

// NeedsBrowser reports whether any page is hosted in Chrome.
func (c *Config) NeedsBrowser() bool {
	for _, p := range c.Pages {
		if p.Host == HostBrowser {
			return true
		}
	}
	return false
}

// ForURL builds the configuration of a single watched page, as used by the
// -url flag: the notify sink and stdout, rules from rulesFile when set and
// from the service otherwise.
func ForURL(service, rulesFile, pageURL, host string) (*Config, error) {
	cfg := Config{
		Service:   service,
		RulesFile: rulesFile,
		Pages:     []PageConfig{{URL: pageURL, Host: host}},
		Sinks:     []SinkConfig{{Type: SinkStdout}},
	}
	if service != "" || rulesFile == "" {
		cfg.Sinks = append(cfg.Sinks, SinkConfig{Type: SinkNotify})
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
