package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "zimageproxy.toml"

	// OpenAccessKey as master_key disables bearer checks.
	OpenAccessKey = "1"
)

var sizePattern = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)

type UpstreamConfig struct {
	URL            string   `toml:"url"`
	Origin         string   `toml:"origin"`
	Referer        string   `toml:"referer"`
	AcceptLanguage string   `toml:"accept_language,omitempty"`
	TaskType       string   `toml:"task_type"`
	AnalyticsSite  string   `toml:"analytics_site,omitempty"`
	UserAgents     []string `toml:"user_agents"`
	TimeoutSeconds int      `toml:"timeout_seconds,omitempty"`
	MaxAttempts    int      `toml:"max_attempts,omitempty"`
	BackoffMS      int      `toml:"backoff_ms,omitempty"`
}

type DefaultsConfig struct {
	Size  string `toml:"size"`
	Steps int    `toml:"steps"`
}

type PollingConfig struct {
	IntervalMS       int `toml:"interval_ms"`
	StreamIntervalMS int `toml:"stream_interval_ms"`
	TimeoutMS        int `toml:"timeout_ms"`
}

type RateLimitConfig struct {
	Requests      int `toml:"requests"`
	WindowSeconds int `toml:"window_seconds"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain,omitempty"`
	Email    string `toml:"email,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

type ServerConfig struct {
	ListenAddr   string          `toml:"listen_addr"`
	MasterKey    string          `toml:"master_key"`
	Models       []string        `toml:"models"`
	DefaultModel string          `toml:"default_model"`
	OwnedBy      string          `toml:"owned_by,omitempty"`
	Upstream     UpstreamConfig  `toml:"upstream"`
	Defaults     DefaultsConfig  `toml:"defaults"`
	Polling      PollingConfig   `toml:"polling"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	Metrics      MetricsConfig   `toml:"metrics"`
	TLS          TLSConfig       `toml:"tls"`
}

type ClientConfig struct {
	ServerURL string `toml:"server_url"`
	APIKey    string `toml:"api_key,omitempty"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "zimageproxy", defaultConfigFileName)
}

func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "imagine.toml"
	}
	return filepath.Join(home, ".config", "zimageproxy", "imagine.toml")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "zimageproxy", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:   "127.0.0.1:8080",
		MasterKey:    OpenAccessKey,
		Models:       []string{"z-image-turbo", "dall-e-3"},
		DefaultModel: "z-image-turbo",
		OwnedBy:      "zimage",
		Upstream: UpstreamConfig{
			URL:            "https://z-image.62tool.com/api.php",
			Origin:         "https://z-image.62tool.com",
			Referer:        "https://z-image.62tool.com/",
			AcceptLanguage: "zh-CN,zh;q=0.9,en;q=0.8",
			TaskType:       "text2img-z-image",
			AnalyticsSite:  "2348c268e6bf5008b52f68ddd772f997",
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36",
			},
			TimeoutSeconds: 30,
			MaxAttempts:    3,
			BackoffMS:      1000,
		},
		Defaults: DefaultsConfig{
			Size:  "1024x1024",
			Steps: 8,
		},
		Polling: PollingConfig{
			IntervalMS:       2000,
			StreamIntervalMS: 1500,
			TimeoutMS:        60000,
		},
		RateLimit: RateLimitConfig{
			Requests:      20,
			WindowSeconds: 60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerURL: "http://127.0.0.1:8080/v1",
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

// ApplyEnv overlays deployment overrides. API_MASTER_KEY is honoured for
// compatibility with existing deployments; ZIMAGE_MASTER_KEY wins if both are set.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range []string{"API_MASTER_KEY", "ZIMAGE_MASTER_KEY"} {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			c.MasterKey = v
		}
	}
	if v, ok := lookup("ZIMAGE_LISTEN_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup("ZIMAGE_UPSTREAM_URL"); ok && strings.TrimSpace(v) != "" {
		c.Upstream.URL = v
	}
}

func (c *ServerConfig) Normalize() {
	def := NewDefaultServerConfig()
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.MasterKey = strings.TrimSpace(c.MasterKey)
	c.Models = trimList(c.Models)
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	if len(c.Models) == 0 {
		c.Models = def.Models
	}
	if c.DefaultModel == "" {
		c.DefaultModel = c.Models[0]
	}
	c.OwnedBy = strings.TrimSpace(c.OwnedBy)
	if c.OwnedBy == "" {
		c.OwnedBy = def.OwnedBy
	}

	u := &c.Upstream
	u.URL = strings.TrimSpace(u.URL)
	u.Origin = strings.TrimSpace(u.Origin)
	u.Referer = strings.TrimSpace(u.Referer)
	u.AcceptLanguage = strings.TrimSpace(u.AcceptLanguage)
	u.TaskType = strings.TrimSpace(u.TaskType)
	u.AnalyticsSite = strings.TrimSpace(u.AnalyticsSite)
	u.UserAgents = trimList(u.UserAgents)
	if u.TaskType == "" {
		u.TaskType = def.Upstream.TaskType
	}
	if len(u.UserAgents) == 0 {
		u.UserAgents = def.Upstream.UserAgents
	}
	if u.TimeoutSeconds <= 0 {
		u.TimeoutSeconds = def.Upstream.TimeoutSeconds
	}
	if u.MaxAttempts <= 0 {
		u.MaxAttempts = def.Upstream.MaxAttempts
	}
	if u.BackoffMS < 0 {
		u.BackoffMS = 0
	}

	c.Defaults.Size = strings.ToLower(strings.TrimSpace(c.Defaults.Size))
	if c.Defaults.Size == "" {
		c.Defaults.Size = def.Defaults.Size
	}
	if c.Defaults.Steps <= 0 {
		c.Defaults.Steps = def.Defaults.Steps
	}
	if c.Polling.IntervalMS <= 0 {
		c.Polling.IntervalMS = def.Polling.IntervalMS
	}
	if c.Polling.StreamIntervalMS <= 0 {
		c.Polling.StreamIntervalMS = def.Polling.StreamIntervalMS
	}
	if c.Polling.TimeoutMS <= 0 {
		c.Polling.TimeoutMS = def.Polling.TimeoutMS
	}
	if c.RateLimit.Requests < 0 {
		c.RateLimit.Requests = 0
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = def.RateLimit.WindowSeconds
	}
	c.Metrics.Path = strings.TrimSpace(c.Metrics.Path)
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if c.MasterKey == "" {
		return errors.New("master_key cannot be empty (use \"1\" to disable auth)")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.url %q must be an absolute http(s) URL", c.Upstream.URL)
	}
	found := false
	for _, m := range c.Models {
		if m == c.DefaultModel {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default_model %q not found in models", c.DefaultModel)
	}
	if !sizePattern.MatchString(c.Defaults.Size) {
		return fmt.Errorf("defaults.size %q must look like WIDTHxHEIGHT", c.Defaults.Size)
	}
	if c.Defaults.Steps > 100 {
		return errors.New("defaults.steps must be <= 100")
	}
	if c.Upstream.MaxAttempts > 10 {
		return errors.New("upstream.max_attempts must be <= 10")
	}
	if c.Polling.IntervalMS < 100 || c.Polling.StreamIntervalMS < 100 {
		return errors.New("polling intervals must be >= 100ms")
	}
	if c.Polling.TimeoutMS < c.Polling.IntervalMS || c.Polling.TimeoutMS < c.Polling.StreamIntervalMS {
		return errors.New("polling.timeout_ms must be at least one polling interval")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") || strings.HasPrefix(c.Metrics.Path, "/v1/") {
		return fmt.Errorf("metrics.path %q must be absolute and outside /v1", c.Metrics.Path)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

func (c *ServerConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

func (c *ServerConfig) UpstreamBackoff() time.Duration {
	return time.Duration(c.Upstream.BackoffMS) * time.Millisecond
}

func (c *ServerConfig) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalMS) * time.Millisecond
}

func (c *ServerConfig) StreamPollInterval() time.Duration {
	return time.Duration(c.Polling.StreamIntervalMS) * time.Millisecond
}

func (c *ServerConfig) PollTimeout() time.Duration {
	return time.Duration(c.Polling.TimeoutMS) * time.Millisecond
}

func (c *ServerConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// AuthOpen reports whether the master key is the open-access sentinel.
func (c *ServerConfig) AuthOpen() bool {
	return c.MasterKey == OpenAccessKey
}

func (c *ClientConfig) Normalize() {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.ServerURL == "" {
		c.ServerURL = "http://127.0.0.1:8080/v1"
	}
}

func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("server_url cannot be empty")
	}
	return nil
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
