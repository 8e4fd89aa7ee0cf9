// Package config loads the watchguard YAML configuration: a settings block
// and the list of monitored sites.
//
// String values support ${VAR} and ${VAR:-default} environment interpolation,
// applied before decoding so that secrets and deployment paths can stay out
// of the file.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Site describes one monitored source. Immutable once loaded; the pipeline
// only reads it.
type Site struct {
	URL              string   `yaml:"url"`
	Name             string   `yaml:"name"`
	FetchMode        string   `yaml:"fetch_mode"`
	ContentSelector  string   `yaml:"content_selector"`
	SourceName       string   `yaml:"source_name"`
	SourceCountry    string   `yaml:"source_country"`
	RateLimitSeconds int      `yaml:"rate_limit_seconds"`
	ExcludeSelectors []string `yaml:"exclude_selectors"`
	IgnorePatterns   []string `yaml:"ignore_patterns"`
}

// ReportName is the name used in change reports: source_name when set,
// otherwise the site name.
func (s *Site) ReportName() string {
	if s.SourceName != "" {
		return s.SourceName
	}
	return s.Name
}

// Settings is the deployment-wide settings block.
type Settings struct {
	APIURL                  string `yaml:"api_url"`
	DBPath                  string `yaml:"db_path"`
	DefaultRateLimitSeconds int    `yaml:"default_rate_limit_seconds"`
	UserAgent               string `yaml:"user_agent"`
}

// Config is the full parsed configuration.
type Config struct {
	Settings Settings `yaml:"settings"`
	Sites    []Site   `yaml:"sites"`
}

func (s *Settings) defaults() {
	if s.APIURL == "" {
		s.APIURL = "http://localhost:8000"
	}
	if s.DBPath == "" {
		s.DBPath = "./data/watchguard.db"
	}
	if s.DefaultRateLimitSeconds <= 0 {
		s.DefaultRateLimitSeconds = 5
	}
	if s.UserAgent == "" {
		s.UserAgent = "WatchGuard/1.0"
	}
}

var envVarRe = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} with environment values.
func expandEnv(value string) string {
	return envVarRe.ReplaceAllStringFunc(value, func(match string) string {
		groups := envVarRe.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes. Split out from Load for tests.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.Settings.defaults()

	for i := range cfg.Sites {
		site := &cfg.Sites[i]
		if site.URL == "" {
			return nil, fmt.Errorf("config: site %d: url is required", i)
		}
		if site.Name == "" {
			return nil, fmt.Errorf("config: site %q: name is required", site.URL)
		}
		if site.FetchMode == "" {
			site.FetchMode = "http"
		}
		switch site.FetchMode {
		case "http", "browser", "pdf":
		default:
			return nil, fmt.Errorf("config: site %q: unknown fetch_mode %q", site.URL, site.FetchMode)
		}
		if site.RateLimitSeconds <= 0 {
			site.RateLimitSeconds = cfg.Settings.DefaultRateLimitSeconds
		}
	}

	return &cfg, nil
}
