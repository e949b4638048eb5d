// Package config handles savewatch configuration from a YAML file, with
// secrets taken from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level savewatch configuration.
type Config struct {
	// PageURL is the gallery page the session opens.
	PageURL   string `yaml:"page_url"`
	APIBase   string `yaml:"api_base"`
	UserAgent string `yaml:"user_agent"`

	Browser BrowserConfig `yaml:"browser"`
	Store   StoreConfig   `yaml:"store"`
	Blob    BlobConfig    `yaml:"blob"`
	Timing  TimingConfig  `yaml:"timing"`
	Panel   PanelConfig   `yaml:"panel"`
	Sinks   []SinkConfig  `yaml:"sinks"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	UserDataDir      string        `yaml:"user_data_dir"`
	DownloadDir      string        `yaml:"download_dir"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Mode             string        `yaml:"mode"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// StoreConfig selects the durable slot for saved records.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | file
	Path   string `yaml:"path"`
	Slot   string `yaml:"slot"`
}

// BlobConfig selects where saved artifacts go.
type BlobConfig struct {
	Driver string   `yaml:"driver"` // fs | s3 | memory
	Root   string   `yaml:"root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config for the s3 blob driver. Keys usually come from the environment.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	SessionToken    string `yaml:"-"`
}

// TimingConfig holds the coalescing windows and start delays.
type TimingConfig struct {
	DetectWindow  time.Duration `yaml:"detect_window"`
	FrameWindow   time.Duration `yaml:"frame_window"`
	StartDelay    time.Duration `yaml:"start_delay"`
	NavigateDelay time.Duration `yaml:"navigate_delay"`
}

// PanelConfig controls the HTTP panel and the import drop folder.
type PanelConfig struct {
	Addr    string `yaml:"addr"`
	DropDir string `yaml:"drop_dir"`
}

// SinkConfig defines an event output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook | journal
	URL  string `yaml:"url"`  // webhook
	Path string `yaml:"path"` // journal database
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file, applies defaults and overlays
// secrets from the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.APIBase == "" {
		c.APIBase = "https://civitai.com"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}
	if c.Browser.DownloadDir == "" {
		c.Browser.DownloadDir = "./downloads"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		if c.Store.Driver == "file" {
			c.Store.Path = "savewatch.json"
		} else {
			c.Store.Path = "savewatch.db"
		}
	}
	if c.Store.Slot == "" {
		c.Store.Slot = "civitai_saved_images_v1"
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "fs"
	}
	if c.Blob.Root == "" {
		c.Blob.Root = c.Browser.DownloadDir
	}
	if c.Timing.DetectWindow <= 0 {
		c.Timing.DetectWindow = time.Second
	}
	if c.Timing.FrameWindow <= 0 {
		c.Timing.FrameWindow = 16 * time.Millisecond
	}
	if c.Timing.StartDelay <= 0 {
		c.Timing.StartDelay = 1500 * time.Millisecond
	}
	if c.Timing.NavigateDelay <= 0 {
		c.Timing.NavigateDelay = 500 * time.Millisecond
	}
	if c.Panel.Addr == "" {
		c.Panel.Addr = "127.0.0.1:8377"
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
}

// ApplyEnv overlays SAVEWATCH_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.PageURL, "SAVEWATCH_PAGE_URL")
	set(&c.Browser.Remote, "SAVEWATCH_BROWSER_REMOTE")
	set(&c.Panel.Addr, "SAVEWATCH_PANEL_ADDR")
	set(&c.Blob.S3.Bucket, "SAVEWATCH_S3_BUCKET")
	set(&c.Blob.S3.Endpoint, "SAVEWATCH_S3_ENDPOINT")
	set(&c.Blob.S3.AccessKeyID, "SAVEWATCH_S3_ACCESS_KEY_ID")
	set(&c.Blob.S3.SecretAccessKey, "SAVEWATCH_S3_SECRET_ACCESS_KEY")
	set(&c.Blob.S3.SessionToken, "SAVEWATCH_S3_SESSION_TOKEN")
	if v := getenv("SAVEWATCH_S3_PATH_STYLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: SAVEWATCH_S3_PATH_STYLE: %w", err)
		}
		c.Blob.S3.PathStyle = b
	}
	return nil
}

// Validate checks the enumerated fields.
func (c *Config) Validate() error {
	switch c.Browser.Mode {
	case "headless", "headful":
	default:
		return fmt.Errorf("config: browser.mode %q (want headless or headful)", c.Browser.Mode)
	}
	switch c.Store.Driver {
	case "sqlite", "file":
	default:
		return fmt.Errorf("config: store.driver %q (want sqlite or file)", c.Store.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("config: blob.s3.bucket required for the s3 driver")
		}
	default:
		return fmt.Errorf("config: blob.driver %q (want fs, s3 or memory)", c.Blob.Driver)
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook needs url", i)
			}
		case "journal":
			if s.Path == "" {
				return fmt.Errorf("config: sinks[%d]: journal needs path", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}
