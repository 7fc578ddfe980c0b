package gateway

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"github.com/ericselin/cache-gateway/cache"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultMediaPattern matches audio and video files by extension.
const DefaultMediaPattern = `(?i)\.(mp4|webm|mp3|ogg|wav|m4a)$`

// FileConfig is the deployment description read from a YAML file.
// Environment variables override the file.
type FileConfig struct {
	Origin          string              `yaml:"origin" env:"CACHE_GATEWAY_ORIGIN"`
	Host            string              `yaml:"host" env:"CACHE_GATEWAY_HOST"`
	VersionTag      string              `yaml:"version" env:"CACHE_GATEWAY_VERSION"`
	CachePrefix     string              `yaml:"cachePrefix" env:"CACHE_GATEWAY_CACHE_PREFIX"`
	RootPath        string              `yaml:"root" env:"CACHE_GATEWAY_ROOT"`
	OfflinePath     string              `yaml:"offline" env:"CACHE_GATEWAY_OFFLINE"`
	Precache        []string            `yaml:"precache" env:"CACHE_GATEWAY_PRECACHE" envSeparator:","`
	MediaPattern    string              `yaml:"mediaPattern" env:"CACHE_GATEWAY_MEDIA_PATTERN"`
	ExcludedHosts   []string            `yaml:"excludedHosts" env:"CACHE_GATEWAY_EXCLUDED_HOSTS" envSeparator:","`
	ExcludedSchemes []string            `yaml:"excludedSchemes" env:"CACHE_GATEWAY_EXCLUDED_SCHEMES" envSeparator:","`
	WaitForClients  bool                `yaml:"waitForClients" env:"CACHE_GATEWAY_WAIT_FOR_CLIENTS"`
	Notification    NotificationOptions `yaml:"notification"`
}

// DefaultFileConfig returns the deployment of the wedding invitation site.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		VersionTag:  "v3",
		CachePrefix: "undangan-pernikahan",
		RootPath:    "/undangan-pernikahan/",
		OfflinePath: "/undangan-pernikahan/offline.html",
		Precache: []string{
			"/undangan-pernikahan/",
			"/undangan-pernikahan/index.html",
			"/undangan-pernikahan/manifest.json",
			"/undangan-pernikahan/cover_baru.jpg",
			"/undangan-pernikahan/musik.MP3",
			"/undangan-pernikahan/posters/poster1.jpg",
			"/undangan-pernikahan/posters/poster2.jpg",
			"/undangan-pernikahan/posters/poster3.jpg",
			"/undangan-pernikahan/posters/poster4.jpg",
			"/undangan-pernikahan/posters/poster5.jpg",
			"/undangan-pernikahan/posters/poster6.jpg",
			"/undangan-pernikahan/icons/icon-192x192.png",
			"/undangan-pernikahan/icons/icon-512x512.png",
		},
		MediaPattern:    DefaultMediaPattern,
		ExcludedHosts:   []string{"google.com", "google-analytics.com", "googletagmanager.com"},
		ExcludedSchemes: []string{"chrome-extension", "moz-extension", "safari-extension"},
		Notification:    DefaultNotificationOptions(),
	}
}

// LoadConfigFile reads the YAML file on top of the defaults and applies
// environment overrides. An empty filename skips the file.
func LoadConfigFile(filename string) (FileConfig, error) {
	config := DefaultFileConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// Config turns the file config into the immutable gateway configuration.
func (fc FileConfig) Config(provider cache.CacheProvider, logger *zerolog.Logger) (Config, error) {
	config := Config{
		Cache:           provider,
		VersionTag:      fc.VersionTag,
		CachePrefix:     fc.CachePrefix,
		Manifest:        append([]string(nil), fc.Precache...),
		OfflinePath:     fc.OfflinePath,
		RootPath:        fc.RootPath,
		OriginHost:      fc.Host,
		ExcludedHosts:   append([]string(nil), fc.ExcludedHosts...),
		ExcludedSchemes: append([]string(nil), fc.ExcludedSchemes...),
		WaitForClients:  fc.WaitForClients,
		Logger:          logger,
		Notification:    fc.Notification,
	}
	if fc.Origin == "" {
		return config, fmt.Errorf("origin missing")
	}
	originURL, err := url.Parse(fc.Origin)
	if err != nil {
		return config, fmt.Errorf("parse origin: %w", err)
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return config, fmt.Errorf("origin %q is not an absolute URL", fc.Origin)
	}
	config.OriginURL = *originURL
	if fc.MediaPattern != "" {
		pattern, err := regexp.Compile(fc.MediaPattern)
		if err != nil {
			return config, fmt.Errorf("compile media pattern: %w", err)
		}
		config.MediaPattern = pattern
	}
	return config, nil
}
