package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Service
	ServiceName string
	Env         string
	LogLevel    string
	HTTPPort    string
	WSPort      string
	WSOrigins   []string
	FleetID     string

	// Storage: "postgres" or "memory"
	StoreBackend string

	// TimescaleDB / Postgres
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Notifier backends, any of redis,nats,kafka
	NotifierBackends []string
	NATSURL          string
	NATSSubject      string
	KafkaBrokers     []string
	KafkaTopic       string

	// Alert rules
	DirtyThreshold     int
	DirtyWindowHours   int
	UncertainThreshold int

	// Classifier
	ClassifierMode            string
	ModelURL                  string
	ModelName                 string
	ModelInputSize            int
	ModelNormMean             []float64
	ModelNormStd              []float64
	ModelOutputsProbabilities bool
	ConfidenceThresholdClean  float64
	ConfidenceThresholdDirty  float64
	InferenceTimeoutSeconds   int
	MaxUploadBytes            int64
	MaxImagePixels            int

	// Pipeline channels
	NotifyChannelSize int
	StateChannelSize  int
	AuditChannelSize  int

	// Audit batch writer tuning
	AuditBatchSize       int
	AuditFlushIntervalMS int

	// Vehicle lock
	VehicleLockTTLSeconds  int
	VehicleLockWaitSeconds int

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string
}

// Load reads a .env file when present, then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServiceName:               getEnv("SERVICE_NAME", "cleaning-ingestion"),
		Env:                       getEnv("ENV", "dev"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		HTTPPort:                  getEnv("HTTP_PORT", "8001"),
		WSPort:                    getEnv("WS_PORT", "8002"),
		WSOrigins:                 splitCSV(getEnv("WS_ALLOWED_ORIGINS", "")),
		FleetID:                   getEnv("FLEET_ID", "default"),
		StoreBackend:              getEnv("STORE_BACKEND", "postgres"),
		DBHost:                    getEnv("DB_HOST", "localhost"),
		DBPort:                    getEnv("DB_PORT", "5432"),
		DBUser:                    getEnv("DB_USER", "fleet_user"),
		DBPassword:                getEnv("DB_PASSWORD", "fleet_password"),
		DBName:                    getEnv("DB_NAME", "fleet_cleaning"),
		DBMaxConns:                int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:                 getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:             getEnv("REDIS_PASSWORD", ""),
		RedisDB:                   getEnvInt("REDIS_DB", 0),
		NotifierBackends:          splitCSV(getEnv("NOTIFIER_BACKENDS", "redis")),
		NATSURL:                   getEnv("NATS_URL", "nats://localhost:4222"),
		NATSSubject:               getEnv("NATS_SUBJECT", "cleaning.alerts.created"),
		KafkaBrokers:              splitCSV(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:                getEnv("KAFKA_TOPIC", "cleaning.alerts"),
		DirtyThreshold:            getEnvInt("ALERT_DIRTY_THRESHOLD", 2),
		DirtyWindowHours:          getEnvInt("ALERT_DIRTY_WINDOW_HOURS", 72),
		UncertainThreshold:        getEnvInt("ALERT_UNCERTAIN_THRESHOLD", 3),
		ClassifierMode:            getEnv("CLASSIFIER_MODE", "heuristic"),
		ModelURL:                  getEnv("ML_MODEL_URL", ""),
		ModelName:                 getEnv("ML_MODEL_NAME", "cleaning_classifier"),
		ModelInputSize:            getEnvInt("ML_INPUT_SIZE", 224),
		ModelNormMean:             getEnvFloats("ML_NORM_MEAN", []float64{0.485, 0.456, 0.406}),
		ModelNormStd:              getEnvFloats("ML_NORM_STD", []float64{0.229, 0.224, 0.225}),
		ModelOutputsProbabilities: getEnvBool("ML_OUTPUTS_PROBABILITIES", false),
		ConfidenceThresholdClean:  getEnvFloat("ML_CONFIDENCE_THRESHOLD_CLEAN", 0.70),
		ConfidenceThresholdDirty:  getEnvFloat("ML_CONFIDENCE_THRESHOLD_DIRTY", 0.65),
		InferenceTimeoutSeconds:   getEnvInt("ML_INFERENCE_TIMEOUT", 5),
		MaxUploadBytes:            int64(getEnvInt("MAX_UPLOAD_SIZE", 10<<20)),
		MaxImagePixels:            getEnvInt("MAX_IMAGE_PIXELS", 40_000_000),
		NotifyChannelSize:         getEnvInt("NOTIFY_CHANNEL_SIZE", 1000),
		StateChannelSize:          getEnvInt("STATE_CHANNEL_SIZE", 5000),
		AuditChannelSize:          getEnvInt("AUDIT_CHANNEL_SIZE", 5000),
		AuditBatchSize:            getEnvInt("AUDIT_BATCH_SIZE", 200),
		AuditFlushIntervalMS:      getEnvInt("AUDIT_FLUSH_INTERVAL_MS", 500),
		VehicleLockTTLSeconds:     getEnvInt("VEHICLE_LOCK_TTL_SECONDS", 10),
		VehicleLockWaitSeconds:    getEnvInt("VEHICLE_LOCK_WAIT_SECONDS", 5),
		AuthCacheTTLSeconds:       getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:              splitCSV(getEnv("VALID_API_KEYS", "")),
	}
}

// Validate reports every problem at once so startup fails with the full list.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"ALERT_DIRTY_THRESHOLD":     c.DirtyThreshold,
		"ALERT_DIRTY_WINDOW_HOURS":  c.DirtyWindowHours,
		"ALERT_UNCERTAIN_THRESHOLD": c.UncertainThreshold,
		"NOTIFY_CHANNEL_SIZE":       c.NotifyChannelSize,
		"STATE_CHANNEL_SIZE":        c.StateChannelSize,
		"AUDIT_CHANNEL_SIZE":        c.AuditChannelSize,
		"AUDIT_BATCH_SIZE":          c.AuditBatchSize,
		"AUDIT_FLUSH_INTERVAL_MS":   c.AuditFlushIntervalMS,
		"VEHICLE_LOCK_TTL_SECONDS":  c.VehicleLockTTLSeconds,
		"MAX_IMAGE_PIXELS":          c.MaxImagePixels,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", key, positive[key]))
		}
	}

	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be postgres or memory, got %q", c.StoreBackend))
	}

	switch c.ClassifierMode {
	case "heuristic":
	case "model":
		if c.ModelInputSize <= 0 {
			errs = append(errs, fmt.Errorf("ML_INPUT_SIZE must be > 0, got %d", c.ModelInputSize))
		}
		if len(c.ModelNormMean) != 3 || len(c.ModelNormStd) != 3 {
			errs = append(errs, errors.New("ML_NORM_MEAN and ML_NORM_STD must have 3 values"))
		}
		for _, s := range c.ModelNormStd {
			if s == 0 {
				errs = append(errs, errors.New("ML_NORM_STD values must be non-zero"))
				break
			}
		}
		if c.InferenceTimeoutSeconds <= 0 {
			errs = append(errs, fmt.Errorf("ML_INFERENCE_TIMEOUT must be > 0, got %d", c.InferenceTimeoutSeconds))
		}
	default:
		errs = append(errs, fmt.Errorf("CLASSIFIER_MODE must be heuristic or model, got %q", c.ClassifierMode))
	}

	for _, b := range c.NotifierBackends {
		switch b {
		case "redis":
			if c.RedisAddr == "" {
				errs = append(errs, errors.New("REDIS_ADDR is required for the redis notifier"))
			}
		case "nats", "log":
		case "kafka":
			if len(c.KafkaBrokers) == 0 {
				errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka notifier"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown notifier backend %q", b))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBMaxConns,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvFloats(key string, fallback []float64) []float64 {
	parts := splitCSV(os.Getenv(key))
	if len(parts) == 0 {
		return fallback
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return fallback
		}
		out = append(out, f)
	}
	return out
}

func splitCSV(value string) []string {
	results := []string{}
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		results = append(results, trimmed)
	}
	return results
}

