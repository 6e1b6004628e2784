package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration. Values come from an optional
// config.json plus environment overrides; environment wins.
type Config struct {
	TrainingConfig   TrainingConfig   `json:"training"`
	BackendConfig    BackendConfig    `json:"backend"`
	SchedulerConfig  SchedulerConfig  `json:"scheduler"`
	LoggingConfig    LoggingConfig    `json:"logging"`
	MonitoringConfig MonitoringConfig `json:"monitoring"`
}

// TrainingConfig holds policy-training defaults and artifact locations.
type TrainingConfig struct {
	ModelDir       string  `json:"model_dir"`
	CheckpointDir  string  `json:"checkpoint_dir"`
	Timesteps      int     `json:"timesteps"`       // Default total timesteps per session
	LearningRate   float64 `json:"learning_rate"`   // PPO initial learning rate
	BatchSize      int     `json:"batch_size"`      // PPO minibatch size
	NSteps         int     `json:"n_steps"`         // Rollout length per update
	LookbackWindow int     `json:"lookback_window"` // Observation window W
	InitialBalance float64 `json:"initial_balance"`
	UseCUDA        bool    `json:"use_cuda"` // Accepted for compatibility; training is CPU-only
}

// BackendConfig holds the brokerage backend and ML service endpoints.
type BackendConfig struct {
	BaseURL        string        `json:"base_url"`
	MLServiceURL   string        `json:"ml_service_url"`
	RequestTimeout time.Duration `json:"request_timeout"` // Default per-call timeout
	ChartTimeout   time.Duration `json:"chart_timeout"`   // Long-period chart fetches
}

// SchedulerConfig holds trader-scheduler process defaults.
type SchedulerConfig struct {
	ResumeOnBoot      bool          `json:"resume_on_boot"`
	ResumeDelay       time.Duration `json:"resume_delay"`        // Startup grace before querying backend
	CheckIntervalSecs int           `json:"check_interval_secs"` // Default trader tick interval
	CooldownMinutes   int           `json:"cooldown_minutes"`    // Default symbol cooldown after close
}

// LoggingConfig mirrors zerolog setup knobs.
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // Console writer when false
}

// MonitoringConfig holds the prometheus listener settings.
type MonitoringConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Load reads config.json if present, then applies environment overrides.
// A missing config file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if cfg.TrainingConfig.ModelDir == "" {
		return nil, fmt.Errorf("model dir must not be empty")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Training defaults
	cfg.TrainingConfig.ModelDir = getEnvOrDefault("MODEL_DIR", defaultString(cfg.TrainingConfig.ModelDir, "models"))
	cfg.TrainingConfig.CheckpointDir = getEnvOrDefault("CHECKPOINT_DIR", defaultString(cfg.TrainingConfig.CheckpointDir, "checkpoints"))
	cfg.TrainingConfig.Timesteps = getEnvIntOrDefault("DEFAULT_TIMESTEPS", defaultInt(cfg.TrainingConfig.Timesteps, 100000))
	cfg.TrainingConfig.LearningRate = getEnvFloatOrDefault("DEFAULT_LEARNING_RATE", defaultFloat(cfg.TrainingConfig.LearningRate, 3e-4))
	cfg.TrainingConfig.BatchSize = getEnvIntOrDefault("DEFAULT_BATCH_SIZE", defaultInt(cfg.TrainingConfig.BatchSize, 64))
	cfg.TrainingConfig.NSteps = getEnvIntOrDefault("DEFAULT_N_STEPS", defaultInt(cfg.TrainingConfig.NSteps, 2048))
	cfg.TrainingConfig.LookbackWindow = getEnvIntOrDefault("DEFAULT_LOOKBACK_WINDOW", defaultInt(cfg.TrainingConfig.LookbackWindow, 60))
	cfg.TrainingConfig.InitialBalance = getEnvFloatOrDefault("DEFAULT_INITIAL_BALANCE", defaultFloat(cfg.TrainingConfig.InitialBalance, 100000))
	cfg.TrainingConfig.UseCUDA = getEnvOrDefault("USE_CUDA", "false") == "true"

	// Backend endpoints
	cfg.BackendConfig.BaseURL = getEnvOrDefault("BACKEND_URL", defaultString(cfg.BackendConfig.BaseURL, "http://localhost:3000"))
	cfg.BackendConfig.MLServiceURL = getEnvOrDefault("ML_SERVICE_URL", defaultString(cfg.BackendConfig.MLServiceURL, "http://localhost:8001"))
	cfg.BackendConfig.RequestTimeout = getEnvDurationOrDefault("BACKEND_REQUEST_TIMEOUT", defaultDuration(cfg.BackendConfig.RequestTimeout, 30*time.Second))
	cfg.BackendConfig.ChartTimeout = getEnvDurationOrDefault("BACKEND_CHART_TIMEOUT", defaultDuration(cfg.BackendConfig.ChartTimeout, 60*time.Second))

	// Scheduler
	cfg.SchedulerConfig.ResumeOnBoot = getEnvOrDefault("SCHEDULER_RESUME_ON_BOOT", "true") == "true"
	cfg.SchedulerConfig.ResumeDelay = getEnvDurationOrDefault("SCHEDULER_RESUME_DELAY", defaultDuration(cfg.SchedulerConfig.ResumeDelay, 5*time.Second))
	cfg.SchedulerConfig.CheckIntervalSecs = getEnvIntOrDefault("SCHEDULER_CHECK_INTERVAL_SECS", defaultInt(cfg.SchedulerConfig.CheckIntervalSecs, 300))
	cfg.SchedulerConfig.CooldownMinutes = getEnvIntOrDefault("SCHEDULER_COOLDOWN_MINUTES", defaultInt(cfg.SchedulerConfig.CooldownMinutes, 30))

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Monitoring
	cfg.MonitoringConfig.Enabled = getEnvOrDefault("METRICS_ENABLED", "true") == "true"
	cfg.MonitoringConfig.Port = getEnvIntOrDefault("METRICS_PORT", defaultInt(cfg.MonitoringConfig.Port, 9090))
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func defaultString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func defaultDuration(v, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return v
}
