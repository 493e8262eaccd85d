package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	FamilyONNX   = "onnx"
	FamilyOpenCV = "opencv"
	FamilyHTTP   = "http"
	FamilyGRPC   = "grpc"
)

// ModelConfig is one entry of the models list. Which fields matter depends on
// Family: local families need ModelPath, remote ones need Endpoint.
type ModelConfig struct {
	Name       string        `yaml:"name"`
	Family     string        `yaml:"family"`
	ModelPath  string        `yaml:"modelPath"`
	ConfigPath string        `yaml:"configPath"`
	LabelsPath string        `yaml:"labelsPath"`
	Names      []string      `yaml:"names"`
	InputSize  int           `yaml:"inputSize"`
	Layout     string        `yaml:"layout"`
	Conf       float32       `yaml:"conf"`
	Iou        float32       `yaml:"iou"`
	Endpoint   string        `yaml:"endpoint"`
	RemoteName string        `yaml:"remoteName"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Config struct {
	Port          int           `yaml:"port"`
	RPCPort       int           `yaml:"rpcPort"`
	LogMode       string        `yaml:"logMode"`
	LogLevel      string        `yaml:"logLevel"`
	WorkersNum    int           `yaml:"workersNum"`
	DefaultModel  string        `yaml:"defaultModel"`
	ApprovalDir   string        `yaml:"approvalDir"`
	CatalogPath   string        `yaml:"catalogPath"`
	MaxUploadMB   int           `yaml:"maxUploadMB"`
	OnnxLibrary   string        `yaml:"onnxLibrary"`
	UseRegServer  bool          `yaml:"useRegServer"`
	RegServerHost string        `yaml:"regServerHost"`
	RegServerPort int           `yaml:"regServerPort"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	Models        []ModelConfig `yaml:"models"`
}

func Default() *Config {
	return &Config{
		Port:         8000,
		LogMode:      "production",
		WorkersNum:   runtime.NumCPU(),
		DefaultModel: "yolov5",
		ApprovalDir:  "approved_data",
		CatalogPath:  "approved_data/catalog.db",
		MaxUploadMB:  32,
		Heartbeat:    5 * time.Second,
	}
}

// Load reads path (missing file is fine, defaults are used), then an optional
// .env next to the process, then DETCURATOR_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(cfg)

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnvAsInt("DETCURATOR_PORT", cfg.Port)
	cfg.RPCPort = getEnvAsInt("DETCURATOR_RPC_PORT", cfg.RPCPort)
	cfg.WorkersNum = getEnvAsInt("DETCURATOR_WORKERS", cfg.WorkersNum)
	cfg.LogMode = getEnv("DETCURATOR_LOG_MODE", cfg.LogMode)
	cfg.LogLevel = getEnv("DETCURATOR_LOG_LEVEL", cfg.LogLevel)
	cfg.DefaultModel = getEnv("DETCURATOR_DEFAULT_MODEL", cfg.DefaultModel)
	cfg.ApprovalDir = getEnv("DETCURATOR_APPROVAL_DIR", cfg.ApprovalDir)
	cfg.CatalogPath = getEnv("DETCURATOR_CATALOG", cfg.CatalogPath)
	cfg.OnnxLibrary = getEnv("DETCURATOR_ONNX_LIBRARY", cfg.OnnxLibrary)
}

func (c *Config) normalize() error {
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 32
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 || (c.RPCPort != 0 && c.RPCPort == c.Port) {
		return fmt.Errorf("invalid rpcPort %d", c.RPCPort)
	}
	if c.ApprovalDir == "" {
		return errors.New("approvalDir cannot be empty")
	}
	seen := make(map[string]bool, len(c.Models))
	for i := range c.Models {
		m := &c.Models[i]
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name cannot be empty", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("models[%d]: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = true
		if m.Conf <= 0 || m.Conf > 1 {
			m.Conf = 0.25
		}
		if m.Iou <= 0 || m.Iou > 1 {
			m.Iou = 0.45
		}
		if m.InputSize <= 0 {
			m.InputSize = 640
		}
		if m.Timeout <= 0 {
			m.Timeout = 30 * time.Second
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
