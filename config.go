package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const ENV_PREFIX = "ADDON_CATALOGUE"

const (
	KIND_MODULE   = "module"
	KIND_THEME    = "theme"
	KIND_TEMPLATE = "template"
	KIND_PLUGIN   = "plugin"
)

// an organisation or group whose repositories are listed directly during discovery.
type Organization struct {
	Provider string `mapstructure:"provider" json:"provider"` // "github" or "gitlab"
	Name     string `mapstructure:"name" json:"name"`
}

// a category of addon with its own catalogue, search terms and manifest convention.
type CatalogType struct {
	Name          string         `mapstructure:"name" json:"name"`
	Kind          string         `mapstructure:"kind" json:"kind"`
	Source        string         `mapstructure:"source" json:"source"`
	Destination   string         `mapstructure:"destination" json:"destination,omitempty"`
	VersionIndex  string         `mapstructure:"version_index" json:"version_index,omitempty"`
	Keywords      []string       `mapstructure:"keywords" json:"keywords,omitempty"`
	ExtraKeywords []string       `mapstructure:"extra_keywords" json:"extra_keywords,omitempty"`
	Topic         string         `mapstructure:"topic" json:"topic,omitempty"`
	Organizations []Organization `mapstructure:"organizations" json:"organizations,omitempty"`
	Manifest      string         `mapstructure:"manifest" json:"manifest"`
	Marketplace   string         `mapstructure:"marketplace" json:"marketplace,omitempty"`
}

type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	CacheDir   string `mapstructure:"cache_dir"`
	Exclusions string `mapstructure:"exclusions"`
	RunLog     string `mapstructure:"run_log"`
	LogLevel   string `mapstructure:"log_level"`

	GithubToken string `mapstructure:"github_token"`
	GitlabToken string `mapstructure:"gitlab_token"`
	GithubAPI   string `mapstructure:"github_api"`
	GithubRaw   string `mapstructure:"github_raw"`
	GitlabAPI   string `mapstructure:"gitlab_api"`
	GitlabRaw   string `mapstructure:"gitlab_raw"`

	MaxRetries        int     `mapstructure:"max_retries"`
	MaxPages          int     `mapstructure:"max_pages"`
	SearchMaxPages    int     `mapstructure:"search_max_pages"`
	BatchSize         int     `mapstructure:"batch_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	Discover         bool     `mapstructure:"discover"`
	FilterForks      bool     `mapstructure:"filter_forks"`
	KeepUpdatedForks bool     `mapstructure:"keep_updated_forks"`
	SortKeys         []string `mapstructure:"sort_keys"`

	// names of the catalog types to process, all when empty.
	Types        []string      `mapstructure:"types"`
	CatalogTypes []CatalogType `mapstructure:"catalog_types"`
}

func default_catalog_types() []CatalogType {
	return []CatalogType{
		{
			Name:          "omeka_s_modules",
			Kind:          KIND_MODULE,
			Source:        "omeka_s_modules.csv",
			Keywords:      []string{"Omeka S module"},
			ExtraKeywords: []string{"omeka-s-module", "OmekaS module"},
			Topic:         "omeka-s-module",
			Organizations: []Organization{
				{Provider: "github", Name: "omeka-s-modules"},
				{Provider: "github", Name: "Daniel-KM"},
				{Provider: "gitlab", Name: "Daniel-KM"},
			},
			Manifest:    "config/module.ini",
			Marketplace: "https://omeka.org/s/modules/",
		},
		{
			Name:          "omeka_s_themes",
			Kind:          KIND_THEME,
			Source:        "omeka_s_themes.csv",
			Keywords:      []string{"Omeka S theme"},
			ExtraKeywords: []string{"omeka-s-theme"},
			Topic:         "omeka-s-theme",
			Organizations: []Organization{
				{Provider: "github", Name: "omeka-s-themes"},
			},
			Manifest:    "config/theme.ini",
			Marketplace: "https://omeka.org/s/themes/",
		},
		{
			Name:     "omeka_s_templates",
			Kind:     KIND_TEMPLATE,
			Source:   "omeka_s_templates.csv",
			Keywords: []string{"Omeka S template"},
			Topic:    "omeka-s-template",
			Manifest: "config/template.ini",
		},
		{
			Name:          "omeka_plugins",
			Kind:          KIND_PLUGIN,
			Source:        "omeka_plugins.csv",
			Keywords:      []string{"Omeka plugin"},
			ExtraKeywords: []string{"omeka-plugin", "Omeka Classic plugin"},
			Topic:         "omeka-plugin",
			Organizations: []Organization{
				{Provider: "github", Name: "omeka"},
			},
			Manifest:    "plugin.ini",
			Marketplace: "https://omeka.org/classic/plugins/",
		},
	}
}

func set_defaults(v *viper.Viper) {
	v.SetDefault("data_dir", "_data")
	v.SetDefault("cache_dir", "")
	v.SetDefault("exclusions", "")
	v.SetDefault("run_log", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("github_token", "")
	v.SetDefault("gitlab_token", "")
	v.SetDefault("github_api", "https://api.github.com")
	v.SetDefault("github_raw", "https://raw.githubusercontent.com")
	v.SetDefault("gitlab_api", "https://gitlab.com/api/v4")
	v.SetDefault("gitlab_raw", "https://gitlab.com")
	v.SetDefault("max_retries", DEFAULT_MAX_RETRIES)
	v.SetDefault("max_pages", DEFAULT_MAX_PAGES)
	v.SetDefault("search_max_pages", 10)
	v.SetDefault("batch_size", 10)
	v.SetDefault("requests_per_second", 0)
	v.SetDefault("discover", true)
	v.SetDefault("filter_forks", true)
	v.SetDefault("keep_updated_forks", true)
	v.SetDefault("sort_keys", []string{COL_NAME, "-" + COL_FORK_SOURCE, COL_CREATION_DATE})
	v.SetDefault("types", []string{})
}

// loads configuration from, in increasing precedence:
// defaults, the config file, a '.env' file and the environment, and any flags set on `flags`.
// `config_path` may be empty, in which case './catalogue.yaml' is used if present.
func load_config(config_path string, flags *pflag.FlagSet) (*Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()
	set_defaults(v)

	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.BindEnv("github_token", ENV_PREFIX+"_GITHUB_TOKEN", "GITHUB_TOKEN")
	v.BindEnv("gitlab_token", ENV_PREFIX+"_GITLAB_TOKEN", "GITLAB_TOKEN")

	if config_path != "" {
		v.SetConfigFile(config_path)
	} else {
		v.SetConfigName("catalogue")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	err = v.ReadInConfig()
	if err != nil {
		var not_found viper.ConfigFileNotFoundError
		if config_path != "" || !errors.As(err, &not_found) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		bind := map[string]string{
			"data_dir":           "data-dir",
			"cache_dir":          "cache-dir",
			"exclusions":         "exclusions",
			"run_log":            "run-log",
			"max_retries":        "max-retries",
			"batch_size":         "batch-size",
			"keep_updated_forks": "keep-updated-forks",
			"types":              "type",
		}
		for key, flag_name := range bind {
			flag := flags.Lookup(flag_name)
			if flag == nil {
				continue
			}
			err = v.BindPFlag(key, flag)
			if err != nil {
				return nil, fmt.Errorf("failed to bind flag '%s': %w", flag_name, err)
			}
		}
	}

	cfg := &Config{}
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if flags != nil {
		no_discover, err := flags.GetBool("no-discover")
		if err == nil && no_discover {
			cfg.Discover = false
		}
		verbose, err := flags.GetBool("verbose")
		if err == nil && verbose {
			cfg.LogLevel = "debug"
		}
	}

	err = cfg.finalise()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// fills in derived values and validates the catalog types.
func (cfg *Config) finalise() error {
	if len(cfg.CatalogTypes) == 0 {
		cfg.CatalogTypes = default_catalog_types()
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.DataDir, "cache")
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = DEFAULT_MAX_RETRIES
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = DEFAULT_MAX_PAGES
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}

	err := validate_catalog_types(cfg.CatalogTypes)
	if err != nil {
		return err
	}

	for i := range cfg.CatalogTypes {
		ct := &cfg.CatalogTypes[i]
		ct.Source = cfg.data_path(ct.Source)
		if ct.Destination == "" {
			ct.Destination = ct.Source
		} else {
			ct.Destination = cfg.data_path(ct.Destination)
		}
		if ct.VersionIndex == "" {
			ct.VersionIndex = strings.TrimSuffix(ct.Destination, filepath.Ext(ct.Destination)) + "_versions.tsv"
		} else {
			ct.VersionIndex = cfg.data_path(ct.VersionIndex)
		}
	}

	if cfg.Exclusions != "" {
		cfg.Exclusions = cfg.data_path(cfg.Exclusions)
	}

	known := map[string]bool{}
	for _, ct := range cfg.CatalogTypes {
		known[ct.Name] = true
	}
	for _, name := range cfg.Types {
		if !known[name] {
			return fmt.Errorf("unknown catalog type '%s'", name)
		}
	}
	return nil
}

// `path` relative to the data directory, unless absolute.
func (cfg *Config) data_path(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.DataDir, path)
}

// the catalog types selected for this run, in configured order.
func (cfg *Config) selected_types() []CatalogType {
	if len(cfg.Types) == 0 {
		return cfg.CatalogTypes
	}
	wanted := map[string]bool{}
	for _, name := range cfg.Types {
		wanted[name] = true
	}
	type_list := []CatalogType{}
	for _, ct := range cfg.CatalogTypes {
		if wanted[ct.Name] {
			type_list = append(type_list, ct)
		}
	}
	return type_list
}

func (cfg *Config) invalid_cache_path(ct CatalogType) string {
	return filepath.Join(cfg.CacheDir, "invalid_"+ct.Name+".tsv")
}

func (cfg *Config) dedup_options() DedupOptions {
	return DedupOptions{
		FilterForks:      cfg.FilterForks,
		KeepUpdatedForks: cfg.KeepUpdatedForks,
	}
}

const CATALOG_TYPES_SCHEMA = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["name", "kind", "source", "manifest"],
		"properties": {
			"name": {"type": "string", "pattern": "^[a-z0-9_]+$"},
			"kind": {"enum": ["module", "theme", "template", "plugin"]},
			"source": {"type": "string", "minLength": 1},
			"destination": {"type": "string"},
			"version_index": {"type": "string"},
			"keywords": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"extra_keywords": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"topic": {"type": "string"},
			"organizations": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["provider", "name"],
					"properties": {
						"provider": {"enum": ["github", "gitlab"]},
						"name": {"type": "string", "minLength": 1}
					}
				}
			},
			"manifest": {"type": "string", "minLength": 1},
			"marketplace": {"type": "string"}
		}
	}
}`

// validates the catalog type list against `CATALOG_TYPES_SCHEMA`.
func validate_catalog_types(type_list []CatalogType) error {
	compiler := jsonschema.NewCompiler()
	err := compiler.AddResource("catalog-types.json", strings.NewReader(CATALOG_TYPES_SCHEMA))
	if err != nil {
		return fmt.Errorf("failed to load catalog type schema: %w", err)
	}
	schema, err := compiler.Compile("catalog-types.json")
	if err != nil {
		return fmt.Errorf("failed to compile catalog type schema: %w", err)
	}

	bl, err := json.Marshal(type_list)
	if err != nil {
		return fmt.Errorf("failed to serialise catalog types: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(bl))
	dec.UseNumber()
	err = dec.Decode(&doc)
	if err != nil {
		return fmt.Errorf("failed to serialise catalog types: %w", err)
	}

	err = schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("invalid catalog types: %w", err)
	}

	seen := map[string]bool{}
	for _, ct := range type_list {
		if seen[ct.Name] {
			return fmt.Errorf("invalid catalog types: duplicate name '%s'", ct.Name)
		}
		seen[ct.Name] = true
	}
	return nil
}
