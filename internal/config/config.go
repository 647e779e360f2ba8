package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1
	DefaultPath    = "~/.medallion/medallion.yaml"
	EnvPrefix      = "MEDALLION_"
)

// Config is the top-level pipeline configuration. It is loaded once per run
// and passed by value to every stage.
type Config struct {
	Version       int                 `yaml:"version" validate:"eq=1"`
	Workspace     string              `yaml:"workspace" validate:"required"`
	Sources       SourcesConfig       `yaml:"sources"`
	ObjectStore   ObjectStoreConfig   `yaml:"object_store"`
	DocumentStore DocumentStoreConfig `yaml:"document_store"`
	Buckets       BucketConfig        `yaml:"buckets"`
	Retry         RetryConfig         `yaml:"retry"`
	Quality       QualityConfig       `yaml:"quality"`
	ML            MLConfig            `yaml:"ml"`
	Logging       LogConfig           `yaml:"logging,omitempty"`
	Metrics       MetricsConfig       `yaml:"metrics,omitempty"`
}

// SourcesConfig locates the raw CSV extracts.
type SourcesConfig struct {
	Directory string `yaml:"directory" validate:"required"`
	Clients   string `yaml:"clients" validate:"required"`
	Purchases string `yaml:"purchases" validate:"required"`
	SchemaDir string `yaml:"schema_dir,omitempty"` // optional YAML schema overrides
}

// ObjectStoreConfig defines the bucket/key store holding every layer.
type ObjectStoreConfig struct {
	Type      string `yaml:"type" validate:"oneof=s3 filesystem"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
	Root      string `yaml:"root,omitempty" validate:"required_if=Type filesystem"`
}

// DocumentStoreConfig defines the serving store that mirrors Gold and ML tables.
type DocumentStoreConfig struct {
	Type             string `yaml:"type" validate:"oneof=mongodb memory"`
	ConnectionString string `yaml:"connection_string,omitempty" validate:"required_if=Type mongodb"`
	Database         string `yaml:"database,omitempty" validate:"required_if=Type mongodb"`
}

// BucketConfig names the four medallion buckets.
type BucketConfig struct {
	Sources string `yaml:"sources" validate:"required"`
	Bronze  string `yaml:"bronze" validate:"required"`
	Silver  string `yaml:"silver" validate:"required"`
	Gold    string `yaml:"gold" validate:"required"`
}

// RetryConfig parameterises the storage retry wrapper.
type RetryConfig struct {
	Delays           []time.Duration `yaml:"delays" validate:"dive,gte=0"`
	BreakerThreshold int             `yaml:"breaker_threshold,omitempty" validate:"gte=0"` // 0 disables the breaker
}

// QualityConfig holds the data-quality gate settings.
type QualityConfig struct {
	MaxViolationRate float64 `yaml:"max_violation_rate" validate:"gte=0,lte=1"` // 0 disables the gate
}

// MLConfig holds model hyperparameters and the scoring cut-points.
type MLConfig struct {
	Clusters         int       `yaml:"clusters" validate:"gte=2,lte=4"` // one per segment label
	Seed             int64     `yaml:"seed"`
	Restarts         int       `yaml:"restarts" validate:"gte=1"`
	MaxIterations    int       `yaml:"max_iterations" validate:"gte=1"`
	ChurnDays        int       `yaml:"churn_days" validate:"gte=1"`
	ChurnMediumCut   float64   `yaml:"churn_medium_cut" validate:"gt=0,lt=1"`
	ChurnHighCut     float64   `yaml:"churn_high_cut" validate:"gt=0,lt=1,gtfield=ChurnMediumCut"`
	CLVHorizonMonths int       `yaml:"clv_horizon_months" validate:"gte=1"`
	CLVGrowthFactor  float64   `yaml:"clv_growth_factor" validate:"gt=0"`
	CLVThresholds    []float64 `yaml:"clv_thresholds" validate:"len=3,dive,gte=0"`
	CLVMinSamples    int       `yaml:"clv_min_samples" validate:"gte=1"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level     string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format    string `yaml:"format,omitempty" validate:"omitempty,oneof=text json"`
	Directory string `yaml:"directory,omitempty"`
}

// MetricsConfig defines where run metrics are exported.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path,omitempty"`
}

// Default returns the configuration used when a key is absent from the file
// and the environment.
func Default() *Config {
	return &Config{
		Version:   CurrentVersion,
		Workspace: "~/.medallion",
		Sources: SourcesConfig{
			Directory: "./data/sources",
			Clients:   "clients.csv",
			Purchases: "achats.csv",
		},
		ObjectStore: ObjectStoreConfig{
			Type:      "s3",
			Endpoint:  "http://localhost:9000",
			Region:    "us-east-1",
			PathStyle: true,
		},
		DocumentStore: DocumentStoreConfig{
			Type:             "mongodb",
			ConnectionString: "mongodb://localhost:27017",
			Database:         "analytics",
		},
		Buckets: BucketConfig{
			Sources: "sources",
			Bronze:  "bronze",
			Silver:  "silver",
			Gold:    "gold",
		},
		Retry: RetryConfig{
			Delays: []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second},
		},
		Quality: QualityConfig{MaxViolationRate: 0.2},
		ML: MLConfig{
			Clusters:         4,
			Seed:             42,
			Restarts:         10,
			MaxIterations:    300,
			ChurnDays:        60,
			ChurnMediumCut:   0.4,
			ChurnHighCut:     0.7,
			CLVHorizonMonths: 12,
			CLVGrowthFactor:  1.2,
			CLVThresholds:    []float64{100, 500, 1000},
			CLVMinSamples:    10,
		},
		Logging: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the config file at path, layers MEDALLION_* environment
// overrides on top, resolves secret references and validates the result.
// Nested keys are addressed with a double underscore, e.g.
// MEDALLION_OBJECT_STORE__ENDPOINT.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints declared on the config structs.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (c *Config) applyDefaults() {
	c.Workspace = ExpandHome(c.Workspace)
	c.Sources.Directory = ExpandHome(c.Sources.Directory)
	if c.Sources.SchemaDir != "" {
		c.Sources.SchemaDir = ExpandHome(c.Sources.SchemaDir)
	}
	if c.ObjectStore.Root != "" {
		c.ObjectStore.Root = ExpandHome(c.ObjectStore.Root)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Directory == "" {
		c.Logging.Directory = filepath.Join(c.Workspace, "logs")
	}
	c.Logging.Directory = ExpandHome(c.Logging.Directory)
}

// StatePath is where per-stage run state is persisted.
func (c *Config) StatePath() string {
	return filepath.Join(c.Workspace, "state.yaml")
}

// LockPath is the single-writer lock file for this workspace.
func (c *Config) LockPath() string {
	return filepath.Join(c.Workspace, "medallion.lock")
}

// ReportDir holds one JSON run report per run.
func (c *Config) ReportDir() string {
	return filepath.Join(c.Workspace, "reports")
}

// ExpandHome expands ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
