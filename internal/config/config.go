package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"godiffex/internal/errors"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config enumerates every tunable of the engine. Defaults match the standard
// workflow; all values can come from environment variables or a YAML file.
type Config struct {
	// MinTotalCount keeps genes whose total count across samples is at least
	// this value; the filter is applied once and binds every later stage
	MinTotalCount int64 `yaml:"min_total_count"`
	// ReferenceLevel of the condition factor; empty selects the
	// alphabetically first level
	ReferenceLevel string `yaml:"reference_level"`
	// Covariates lists blocking covariate columns to include in the design
	Covariates []string `yaml:"covariates"`
	// TestCoefficient selects the design-matrix column to test and shrink;
	// -1 selects the first non-intercept condition term
	TestCoefficient int `yaml:"test_coefficient"`
	// LFCThreshold is tau, in log2 units; 0 tests against zero
	LFCThreshold float64 `yaml:"lfc_threshold"`
	// Alpha is the significance level used only by the independent-filtering
	// search, never as a hard cutoff in the output
	Alpha float64 `yaml:"alpha"`
	// Shrink enables posterior effect-size estimation
	Shrink bool `yaml:"shrink"`

	// DispOutlierSD is the number of log-space standard deviations above the
	// trend at which a gene-wise dispersion is flagged as an outlier
	DispOutlierSD float64 `yaml:"disp_outlier_sd"`
	// FallbackDispersion is used when a gene-wise likelihood optimization
	// does not converge
	FallbackDispersion float64 `yaml:"fallback_dispersion"`
	// MaxGLMIters caps the IRLS iteration count per gene
	MaxGLMIters int `yaml:"max_glm_iters"`
	// RidgeLambda is the coefficient regularization strength in the IRLS
	// normal equations
	RidgeLambda float64 `yaml:"ridge_lambda"`
	// Workers bounds per-gene parallelism; 0 means GOMAXPROCS
	Workers int `yaml:"workers"`
}

// Default returns the standard engine configuration
func Default() Config {
	return Config{
		MinTotalCount:      10,
		ReferenceLevel:     "",
		TestCoefficient:    -1,
		LFCThreshold:       0,
		Alpha:              0.05,
		Shrink:             false,
		DispOutlierSD:      2.0,
		FallbackDispersion: 0.1,
		MaxGLMIters:        100,
		RidgeLambda:        1e-6,
		Workers:            0,
	}
}

// Load reads configuration from the environment (after sourcing .env when
// present) on top of the defaults, then validates
func Load() (Config, error) {
	// .env is a convenience for local runs; absence is not an error
	_ = godotenv.Load()

	cfg := Default()
	cfg.MinTotalCount = int64(getEnvIntOrDefault("DE_MIN_TOTAL_COUNT", int(cfg.MinTotalCount)))
	cfg.ReferenceLevel = getEnvOrDefault("DE_REFERENCE_LEVEL", cfg.ReferenceLevel)
	cfg.TestCoefficient = getEnvIntOrDefault("DE_TEST_COEFFICIENT", cfg.TestCoefficient)
	cfg.LFCThreshold = getEnvFloatOrDefault("DE_LFC_THRESHOLD", cfg.LFCThreshold)
	cfg.Alpha = getEnvFloatOrDefault("DE_ALPHA", cfg.Alpha)
	cfg.Shrink = getEnvBoolOrDefault("DE_SHRINK", cfg.Shrink)
	cfg.DispOutlierSD = getEnvFloatOrDefault("DE_DISP_OUTLIER_SD", cfg.DispOutlierSD)
	cfg.FallbackDispersion = getEnvFloatOrDefault("DE_FALLBACK_DISPERSION", cfg.FallbackDispersion)
	cfg.MaxGLMIters = getEnvIntOrDefault("DE_MAX_GLM_ITERS", cfg.MaxGLMIters)
	cfg.RidgeLambda = getEnvFloatOrDefault("DE_RIDGE_LAMBDA", cfg.RidgeLambda)
	cfg.Workers = getEnvIntOrDefault("DE_WORKERS", cfg.Workers)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML configuration file on top of cfg
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.WithCode(errors.CodeConfigInvalid,
			errors.Wrapf(err, "parsing config file %s", path))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every knob's range
func (c Config) Validate() error {
	if c.MinTotalCount < 0 {
		return errors.Newf(errors.CodeConfigInvalid, "min_total_count must be >= 0, got %d", c.MinTotalCount)
	}
	if c.LFCThreshold < 0 {
		return errors.Newf(errors.CodeConfigInvalid, "lfc_threshold must be >= 0, got %g", c.LFCThreshold)
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return errors.Newf(errors.CodeConfigInvalid, "alpha must be in (0,1), got %g", c.Alpha)
	}
	if c.TestCoefficient < -1 {
		return errors.Newf(errors.CodeConfigInvalid, "test_coefficient must be -1 or a column index, got %d", c.TestCoefficient)
	}
	if c.DispOutlierSD <= 0 {
		return errors.Newf(errors.CodeConfigInvalid, "disp_outlier_sd must be > 0, got %g", c.DispOutlierSD)
	}
	if c.FallbackDispersion <= 0 {
		return errors.Newf(errors.CodeConfigInvalid, "fallback_dispersion must be > 0, got %g", c.FallbackDispersion)
	}
	if c.MaxGLMIters < 1 {
		return errors.Newf(errors.CodeConfigInvalid, "max_glm_iters must be >= 1, got %d", c.MaxGLMIters)
	}
	if c.RidgeLambda < 0 {
		return errors.Newf(errors.CodeConfigInvalid, "ridge_lambda must be >= 0, got %g", c.RidgeLambda)
	}
	if c.Workers < 0 {
		return errors.Newf(errors.CodeConfigInvalid, "workers must be >= 0, got %d", c.Workers)
	}
	return nil
}

// WorkerCount resolves the effective parallelism
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Settings returns a flat key/value view for config hashing
func (c Config) Settings() map[string]string {
	covs := ""
	for i, cov := range c.Covariates {
		if i > 0 {
			covs += ","
		}
		covs += cov
	}
	return map[string]string{
		"min_total_count":     strconv.FormatInt(c.MinTotalCount, 10),
		"reference_level":     c.ReferenceLevel,
		"covariates":          covs,
		"test_coefficient":    strconv.Itoa(c.TestCoefficient),
		"lfc_threshold":       fmt.Sprintf("%g", c.LFCThreshold),
		"alpha":               fmt.Sprintf("%g", c.Alpha),
		"shrink":              strconv.FormatBool(c.Shrink),
		"disp_outlier_sd":     fmt.Sprintf("%g", c.DispOutlierSD),
		"fallback_dispersion": fmt.Sprintf("%g", c.FallbackDispersion),
		"max_glm_iters":       strconv.Itoa(c.MaxGLMIters),
		"ridge_lambda":        fmt.Sprintf("%g", c.RidgeLambda),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
