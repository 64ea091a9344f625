package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"stackengine/internal/frames"

	"github.com/joho/godotenv"
)

const (
	defaultConfigPath = "~/.config/stackengine/config.json"
	defaultSuffix     = ".fit"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing   Processing                       `json:"processing"`
	Rejection    map[frames.Class]RejectionConfig `json:"rejection"`
	Registration Registration                     `json:"registration"`
	Overscan     frames.Overscan                  `json:"overscan"`
	Tools        Tools                            `json:"tools"`
	Logging      Logging                          `json:"logging"`
	Paths        Paths                            `json:"paths"`
}

// Processing captures the global pipeline switches.
type Processing struct {
	OutputDir            string         `json:"output_dir"`
	OutputSuffix         string         `json:"output_suffix"`
	MasterLibrary        string         `json:"master_library"` // optional directory masters are copied to
	DarkTolerance        float64        `json:"dark_exposure_tolerance"`
	OptimizeDark         bool           `json:"optimize_dark"`
	FlatLargeScaleReject bool           `json:"flat_large_scale_rejection"`
	CFA                  bool           `json:"cfa"`
	BayerPattern         string         `json:"bayer_pattern"`  // RGGB, BGGR, GRBG, GBRG
	DebayerMethod        string         `json:"debayer_method"` // bilinear, superpixel
	CosmeticCorrection   bool           `json:"cosmetic_correction"`
	CosmeticTemplate     string         `json:"cosmetic_template"`
	GenerateDrizzle      bool           `json:"generate_drizzle"`
	BayerDrizzle         bool           `json:"bayer_drizzle"`
	CalibrateOnly        bool           `json:"calibrate_only"`
	Integrate            bool           `json:"integrate"`
	RejectionMaps        bool           `json:"rejection_maps"`
	Previews             bool           `json:"previews"`
	UseFirstAsMaster     []frames.Class `json:"use_first_as_master"` // classes whose groups start with a pre-built master
}

// Registration holds the parameters passed to the registration tool.
type Registration struct {
	Reference            string  `json:"reference"`
	Interpolation        string  `json:"interpolation"` // auto, bilinear, bicubic, lanczos3
	ClampingThreshold    float64 `json:"clamping_threshold"`
	MaxStars             int     `json:"max_stars"`
	NoiseReductionRadius int     `json:"noise_reduction_radius"`
	UseTriangles         bool    `json:"use_triangles"`
}

// Tools locates the external programs and data files used by collaborators.
type Tools struct {
	RegistrationBinary string   `json:"registration_binary"`
	RegistrationArgs   []string `json:"registration_args"`
	TemplateFile       string   `json:"template_file"` // cosmetic correction templates
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures persistent locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// A .env file in the working directory is honored before the environment
// overrides are applied.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	configPath := os.Getenv("STACKENGINE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	if err := decodeFile(expanded, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	cfg.fillRejection()
	return cfg, nil
}

// LoadFile reads a specific configuration file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	cfg.fillRejection()
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewDecoder(f).Decode(cfg)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Processing: Processing{
			OutputDir:     "./output",
			OutputSuffix:  defaultSuffix,
			DarkTolerance: frames.DefaultDarkTolerance,
			OptimizeDark:  true,
			BayerPattern:  "RGGB",
			DebayerMethod: "bilinear",
			Integrate:     true,
		},
		Registration: Registration{
			Interpolation:        "auto",
			ClampingThreshold:    0.3,
			MaxStars:             500,
			NoiseReductionRadius: 0,
			UseTriangles:         false,
		},
		Tools: Tools{
			RegistrationBinary: "stackengine-register",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "stackengine.db"),
		},
	}
	cfg.fillRejection()
	return cfg
}

// RejectionFor returns the rejection settings for class.
func (c *Config) RejectionFor(class frames.Class) RejectionConfig {
	if rc, ok := c.Rejection[class]; ok {
		return rc
	}
	return DefaultRejection(class)
}

func (c *Config) fillRejection() {
	if c.Rejection == nil {
		c.Rejection = make(map[frames.Class]RejectionConfig, len(frames.Classes))
	}
	for _, class := range frames.Classes {
		if _, ok := c.Rejection[class]; !ok {
			c.Rejection[class] = DefaultRejection(class)
		}
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STACKENGINE_OUTPUT_DIR"); v != "" {
		cfg.Processing.OutputDir = v
	}
	if v := os.Getenv("STACKENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STACKENGINE_DB"); v != "" {
		cfg.Paths.DatabasePath = v
	}
	if v := os.Getenv("STACKENGINE_DARK_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Processing.DarkTolerance = f
		}
	}
	if v := os.Getenv("STACKENGINE_REGISTRATION_BINARY"); v != "" {
		cfg.Tools.RegistrationBinary = v
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
