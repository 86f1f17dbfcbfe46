// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package config holds the process-wide configuration for rudroid. The
// configuration is resolved once at startup and handed to every component
// explicitly; no other package reads environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the root configuration object. Values are resolved in order:
// built-in defaults, then an optional rudroid.yaml under the cache root,
// then RUDROID_* environment variables.
type Config struct {
	// CacheRoot is the single relocatable directory holding the SDK
	// installation, device storage, the acquired artifact and logs.
	CacheRoot string `mapstructure:"cache_root"`

	LogLevel      string `mapstructure:"log_level"`
	CorrelationID string `mapstructure:"correlation_id"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`

	Tools   ToolsConfig   `mapstructure:"tools"`
	Device  DeviceConfig  `mapstructure:"device"`
	Target  TargetConfig  `mapstructure:"target"`
	Catalog CatalogConfig `mapstructure:"catalog"`
}

// ToolsConfig names the external binaries. Bare names are resolved on PATH,
// absolute paths are used as-is.
type ToolsConfig struct {
	Brew       string `mapstructure:"brew"`
	SdkManager string `mapstructure:"sdkmanager"`
	AvdManager string `mapstructure:"avdmanager"`
	Emulator   string `mapstructure:"emulator"`
	ADB        string `mapstructure:"adb"`
	Aapt       string `mapstructure:"aapt"`
	Aapt2      string `mapstructure:"aapt2"`
	Apkeep     string `mapstructure:"apkeep"`
}

// DeviceConfig describes the managed virtual device.
type DeviceConfig struct {
	Name     string `mapstructure:"name"`
	Profile  string `mapstructure:"profile"`
	APILevel int    `mapstructure:"api_level"`
	// ABI overrides the host-derived target architecture when set.
	ABI          string        `mapstructure:"abi"`
	BootTimeout  time.Duration `mapstructure:"boot_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

// TargetConfig describes the application being deployed.
type TargetConfig struct {
	// Package is an operator-supplied identity override. Empty means the
	// identity is resolved from the artifact or the device registry.
	Package string `mapstructure:"package"`
	// VersionCode pins acquisition to an exact version. Zero means latest.
	VersionCode int64 `mapstructure:"version_code"`
}

// CatalogConfig configures the remote artifact sources.
type CatalogConfig struct {
	RuStoreURL string `mapstructure:"rustore_url"`
	AptoideURL string `mapstructure:"aptoide_url"`
	APKPureURL string `mapstructure:"apkpure_url"`
	// PlayEmail and PlayToken gate the apkeep source; it is skipped when
	// either is empty.
	PlayEmail       string        `mapstructure:"play_email"`
	PlayToken       string        `mapstructure:"play_token"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	MaxArtifactSize string        `mapstructure:"max_artifact_size"`
}

// Load resolves the configuration. The optional config file is looked up
// under the cache root, so RUDROID_CACHE_ROOT relocates it together with
// everything else.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve home directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, home)
	v.SetEnvPrefix("RUDROID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(filepath.Join(v.GetString("cache_root"), "rudroid.yaml"))
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.CorrelationID == "" {
		cfg.CorrelationID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("cache_root", filepath.Join(home, ".rudroid"))
	v.SetDefault("log_level", "info")
	v.SetDefault("correlation_id", "")
	v.SetDefault("otlp_endpoint", "")

	v.SetDefault("tools.brew", "brew")
	v.SetDefault("tools.sdkmanager", "sdkmanager")
	v.SetDefault("tools.avdmanager", "avdmanager")
	v.SetDefault("tools.emulator", "emulator")
	v.SetDefault("tools.adb", "adb")
	v.SetDefault("tools.aapt", "aapt")
	v.SetDefault("tools.aapt2", "aapt2")
	v.SetDefault("tools.apkeep", "apkeep")

	v.SetDefault("device.name", "rustore")
	v.SetDefault("device.profile", "pixel_6")
	v.SetDefault("device.api_level", 34)
	v.SetDefault("device.abi", "")
	v.SetDefault("device.boot_timeout", "300s")
	v.SetDefault("device.poll_interval", "2s")
	v.SetDefault("device.settle_delay", "2s")

	v.SetDefault("target.package", "")
	v.SetDefault("target.version_code", 0)

	v.SetDefault("catalog.rustore_url", "https://backapi.rustore.ru")
	v.SetDefault("catalog.aptoide_url", "https://ws75.aptoide.com")
	v.SetDefault("catalog.apkpure_url", "https://tapi.pureapk.com")
	v.SetDefault("catalog.play_email", "")
	v.SetDefault("catalog.play_token", "")
	v.SetDefault("catalog.http_timeout", "5m")
	v.SetDefault("catalog.max_artifact_size", "512MiB")
}

// Validate rejects configurations that would make the pipeline misbehave in
// ways that are hard to diagnose later (zero poll interval spins, an
// unparseable size limit would silently disable the download guard).
func (c Config) Validate() error {
	if c.CacheRoot == "" {
		return errors.New("config: cache_root must not be empty")
	}
	if c.Device.Name == "" {
		return errors.New("config: device.name must not be empty")
	}
	if c.Device.BootTimeout <= 0 {
		return fmt.Errorf("config: device.boot_timeout must be positive, got %s", c.Device.BootTimeout)
	}
	if c.Device.PollInterval <= 0 {
		return fmt.Errorf("config: device.poll_interval must be positive, got %s", c.Device.PollInterval)
	}
	if c.Device.SettleDelay < 0 {
		return fmt.Errorf("config: device.settle_delay must not be negative, got %s", c.Device.SettleDelay)
	}
	if c.Target.VersionCode < 0 {
		return fmt.Errorf("config: target.version_code must not be negative, got %d", c.Target.VersionCode)
	}
	if _, err := c.ArtifactSizeLimit(); err != nil {
		return err
	}
	return nil
}

// ArtifactSizeLimit parses catalog.max_artifact_size into bytes. Zero means
// unlimited.
func (c Config) ArtifactSizeLimit() (int64, error) {
	if c.Catalog.MaxArtifactSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Catalog.MaxArtifactSize)
	if err != nil {
		return 0, fmt.Errorf("config: catalog.max_artifact_size %q: %w", c.Catalog.MaxArtifactSize, err)
	}
	return n, nil
}

// SDKDir is where sdkmanager installs platform components.
func (c Config) SDKDir() string { return filepath.Join(c.CacheRoot, "sdk") }

// AVDDir holds the virtual device profiles.
func (c Config) AVDDir() string { return filepath.Join(c.CacheRoot, "avd") }

// APKDir holds the acquired artifact.
func (c Config) APKDir() string { return filepath.Join(c.CacheRoot, "apk") }

// LogDir holds the rolling log file and per-boot emulator logs.
func (c Config) LogDir() string { return filepath.Join(c.CacheRoot, "logs") }

// TmpDir holds in-flight downloads and container extractions.
func (c Config) TmpDir() string { return filepath.Join(c.CacheRoot, "tmp") }

// ArtifactPath is the promoted location of the acquired artifact.
func (c Config) ArtifactPath() string { return filepath.Join(c.APKDir(), "rustore.apk") }

// EnsureDirs creates the cache layout.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.CacheRoot, c.SDKDir(), c.AVDDir(), c.APKDir(), c.LogDir(), c.TmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
