// Package config loads the image proxy configuration from a TOML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ironsheep/image-proxy/internal/engine"
	"github.com/ironsheep/image-proxy/internal/imaging"
)

const (
	DefaultFileName         = "image-proxy.toml"
	DefaultAddress          = "127.0.0.1"
	DefaultPort             = 8080
	DefaultImagesDir        = "images"
	DefaultCacheDir         = "cache"
	DefaultBackend          = "raster"
	DefaultExtension        = "jpg"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultJPEGBackground   = "#ffffff"
	DefaultReadTimeout      = 15 * time.Second
	DefaultWriteTimeout     = 60 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultTransformTimeout = time.Minute

	configEnvKey = "IMAGE_PROXY_CONFIG"
	envPrefix    = "IMAGE_PROXY_"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string   `toml:"address"`
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// TransformConfig configures the transform pipeline.
type TransformConfig struct {
	Workers        int      `toml:"workers"`
	Timeout        Duration `toml:"timeout"`
	BlurFactor     int      `toml:"blur_factor"`
	BlurRadius     float64  `toml:"blur_radius"`
	BlurSigma      float64  `toml:"blur_sigma"`
	DefaultAnchor  string   `toml:"default_anchor"`
	JPEGBackground string   `toml:"jpeg_background"`
}

// CacheConfig configures cache keys and the source probe cache.
type CacheConfig struct {
	KeyIncludesSourceStat bool `toml:"key_includes_source_stat"`
	ProbeCacheSize        int  `toml:"probe_cache_size"`
}

// ExternalConfig configures the imageflow backend.
type ExternalConfig struct {
	Tool    string   `toml:"tool"`
	Timeout Duration `toml:"timeout"`
}

// VipsConfig configures the libvips backend.
type VipsConfig struct {
	Concurrency int `toml:"concurrency"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Config defines runtime configuration for the image proxy.
type Config struct {
	ImagesDir        string          `toml:"images_dir"`
	CacheDir         string          `toml:"cache_dir"`
	Backend          string          `toml:"backend"`
	DefaultExtension string          `toml:"default_extension"`
	Server           ServerConfig    `toml:"server"`
	Transform        TransformConfig `toml:"transform"`
	Cache            CacheConfig     `toml:"cache"`
	External         ExternalConfig  `toml:"external"`
	Vips             VipsConfig      `toml:"vips"`
	Log              LogConfig       `toml:"log"`
	Metrics          MetricsConfig   `toml:"metrics"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		ImagesDir:        DefaultImagesDir,
		CacheDir:         DefaultCacheDir,
		Backend:          DefaultBackend,
		DefaultExtension: DefaultExtension,
		Server: ServerConfig{
			Address:         DefaultAddress,
			Port:            DefaultPort,
			ReadTimeout:     Duration{DefaultReadTimeout},
			WriteTimeout:    Duration{DefaultWriteTimeout},
			ShutdownTimeout: Duration{DefaultShutdownTimeout},
		},
		Transform: TransformConfig{
			Workers:        0,
			Timeout:        Duration{DefaultTransformTimeout},
			BlurFactor:     imaging.DefaultBlurFactor,
			BlurRadius:     8,
			BlurSigma:      5,
			DefaultAnchor:  imaging.Center.String(),
			JPEGBackground: DefaultJPEGBackground,
		},
		Cache: CacheConfig{
			KeyIncludesSourceStat: false,
			ProbeCacheSize:        imaging.DefaultProbeCacheSize,
		},
		External: ExternalConfig{
			Tool:    engine.DefaultExternalTool,
			Timeout: Duration{engine.DefaultExternalTimeout},
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads the configuration.
//
// An explicit path must exist. Without one, IMAGE_PROXY_CONFIG is used,
// then image-proxy.toml in the working directory if present. Environment
// variables override file values. Relative directories are resolved
// against the directory of the file they came from.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv(configEnvKey))
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	} else if _, err := loadFileIfExists(DefaultFileName, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	loaded, err := loadFileIfExists(path, cfg)
	if err != nil {
		return err
	}
	if !loaded {
		return fmt.Errorf("config file %s does not exist", path)
	}
	return nil
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return false, fmt.Errorf("unknown key %q in config %s", undecoded[0].String(), path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.Path = abs
	return true, nil
}

func (c *Config) applyEnv() error {
	strVars := map[string]*string{
		"ADDRESS":           &c.Server.Address,
		"IMAGES_DIR":        &c.ImagesDir,
		"CACHE_DIR":         &c.CacheDir,
		"BACKEND":           &c.Backend,
		"DEFAULT_EXTENSION": &c.DefaultExtension,
		"LOG_LEVEL":         &c.Log.Level,
		"LOG_FORMAT":        &c.Log.Format,
		"EXTERNAL_TOOL":     &c.External.Tool,
	}
	for name, dst := range strVars {
		if v := strings.TrimSpace(os.Getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"PORT":    &c.Server.Port,
		"WORKERS": &c.Transform.Workers,
	}
	for name, dst := range intVars {
		raw := strings.TrimSpace(os.Getenv(envPrefix + name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: must be an integer", envPrefix, name, raw)
		}
		*dst = n
	}

	if raw := strings.TrimSpace(os.Getenv(envPrefix + "METRICS_ENABLED")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %sMETRICS_ENABLED=%q: must be true or false", envPrefix, raw)
		}
		c.Metrics.Enabled = enabled
	}
	return nil
}

func (c *Config) resolvePaths() {
	base := ""
	if c.Path != "" {
		base = filepath.Dir(c.Path)
	}
	c.ImagesDir = resolveAgainst(base, c.ImagesDir)
	c.CacheDir = resolveAgainst(base, c.CacheDir)
}

func resolveAgainst(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks values that can be verified without touching the
// filesystem.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.ImagesDir) == "" {
		errs = append(errs, errors.New("images_dir is required"))
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if _, err := engine.CanonicalName(c.Backend); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if strings.Trim(c.DefaultExtension, ". ") == "" {
		errs = append(errs, errors.New("default_extension is required"))
	}
	if c.Transform.Workers < 0 {
		errs = append(errs, errors.New("transform.workers must not be negative"))
	}
	if c.Transform.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("transform.timeout must be positive"))
	}
	if c.Transform.BlurFactor < 1 {
		errs = append(errs, errors.New("transform.blur_factor must be at least 1"))
	}
	if c.Transform.BlurSigma <= 0 {
		errs = append(errs, errors.New("transform.blur_sigma must be positive"))
	}
	if _, err := imaging.ParseAnchor(c.Transform.DefaultAnchor); err != nil {
		errs = append(errs, fmt.Errorf("transform.default_anchor: %w", err))
	}
	if _, err := imaging.ParseHexColor(c.Transform.JPEGBackground); err != nil {
		errs = append(errs, fmt.Errorf("transform.jpeg_background: %w", err))
	}
	if c.External.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("external.timeout must be positive"))
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// CheckImagesDir verifies that the images directory exists, is a
// directory and can be listed.
func (c *Config) CheckImagesDir() error {
	info, err := os.Stat(c.ImagesDir)
	if err != nil {
		return fmt.Errorf("images_dir %s: %w", c.ImagesDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("images_dir %s is not a directory", c.ImagesDir)
	}
	f, err := os.Open(c.ImagesDir)
	if err != nil {
		return fmt.Errorf("images_dir %s is not readable: %w", c.ImagesDir, err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("images_dir %s is not readable: %w", c.ImagesDir, err)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// ParseLogLevel parses a slog level name or number. "warning" is accepted
// for "warn"; an empty string is info.
func ParseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// WriteDefault writes the default configuration to path. An existing file
// is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# image-proxy configuration\n\n"); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(Default())
}
