package common

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Blob     BlobConfig
	OCR      OCRConfig
	AI       AIConfig
	Pipeline PipelineConfig
}

// DatabaseConfig selects and tunes the repository backend.
type DatabaseConfig struct {
	Driver           string // "postgres" | "sqlite"
	DSN              string // pg connection string or sqlite file path
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// BlobConfig selects the blob store backend. The backend is chosen here,
// never probed at runtime.
type BlobConfig struct {
	Backend  string // "local" | "gcs"
	LocalDir string
	Bucket   string
}

// OCRConfig selects and tunes the OCR engine.
type OCRConfig struct {
	Engine string // "tesseract" | "documentai"

	Pdftoppm  string
	Tesseract string
	Language  string // tesseract language model, "spa" for Chilean invoices
	DPI       int
	RetryDPI  int // higher-fidelity rasterization for OCR retries
	MaxPages  int

	DocAIProjectID   string
	DocAILocation    string
	DocAIProcessorID string
}

// AIConfig tunes the heuristic field-extraction fallback.
type AIConfig struct {
	APIKey  string // empty disables the AI layer
	Model   string
	Timeout time.Duration
}

// PipelineConfig tunes the state machine and workers.
type PipelineConfig struct {
	MinCharsPerPage float64 // classifier threshold for "digital"
	MaxAttempts     int
	Workers         int
	QueueSize       int
	SweepInterval   time.Duration
	StuckTimeout    time.Duration
	AmountTolerance int64 // pesos; net+iva vs total cross-check
}

// LoadConfig loads configuration from the environment, reading a .env file
// first when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Blob: BlobConfig{
			Backend:  getEnv("BLOB_BACKEND", "local"),
			LocalDir: getEnv("BLOB_LOCAL_DIR", "./data/pdfs"),
			Bucket:   getEnv("BLOB_GCS_BUCKET", ""),
		},
		OCR: OCRConfig{
			Engine:           getEnv("OCR_ENGINE", "tesseract"),
			Pdftoppm:         getEnv("PDFTOPPM_BIN", "pdftoppm"),
			Tesseract:        getEnv("TESSERACT_BIN", "tesseract"),
			Language:         getEnv("OCR_LANG", "spa"),
			DPI:              getEnvAsInt("OCR_DPI", 300),
			RetryDPI:         getEnvAsInt("OCR_RETRY_DPI", 450),
			MaxPages:         getEnvAsInt("OCR_MAX_PAGES", 0),
			DocAIProjectID:   getEnv("DOCAI_PROJECT_ID", ""),
			DocAILocation:    getEnv("DOCAI_LOCATION", "us"),
			DocAIProcessorID: getEnv("DOCAI_PROCESSOR_ID", ""),
		},
		AI: AIConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			Model:   getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
			Timeout: getEnvAsDuration("GEMINI_TIMEOUT", 45*time.Second),
		},
		Pipeline: PipelineConfig{
			MinCharsPerPage: getEnvAsFloat64("CLASSIFY_MIN_CHARS_PER_PAGE", 200),
			MaxAttempts:     getEnvAsInt("PIPELINE_MAX_ATTEMPTS", 3),
			Workers:         getEnvAsInt("PIPELINE_WORKERS", 4),
			QueueSize:       getEnvAsInt("PIPELINE_QUEUE_SIZE", 256),
			SweepInterval:   getEnvAsDuration("PIPELINE_SWEEP_INTERVAL", time.Minute),
			StuckTimeout:    getEnvAsDuration("PIPELINE_STUCK_TIMEOUT", 10*time.Minute),
			AmountTolerance: int64(getEnvAsInt("AMOUNT_TOLERANCE", 1)),
		},
	}
}

// Validate checks the loaded configuration before anything is wired up.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return WrapError(ErrInvalidInput, "DB_DRIVER must be postgres or sqlite")
	}
	if c.Database.DSN == "" {
		return WrapError(ErrInvalidInput, "DB_URL is required")
	}
	switch c.Blob.Backend {
	case "local":
		if c.Blob.LocalDir == "" {
			return WrapError(ErrInvalidInput, "BLOB_LOCAL_DIR is required for the local backend")
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			return WrapError(ErrInvalidInput, "BLOB_GCS_BUCKET is required for the gcs backend")
		}
	default:
		return WrapError(ErrInvalidInput, "BLOB_BACKEND must be local or gcs")
	}
	switch c.OCR.Engine {
	case "tesseract":
	case "documentai":
		if c.OCR.DocAIProjectID == "" || c.OCR.DocAIProcessorID == "" {
			return WrapError(ErrInvalidInput, "DOCAI_PROJECT_ID and DOCAI_PROCESSOR_ID are required for documentai")
		}
	default:
		return WrapError(ErrInvalidInput, "OCR_ENGINE must be tesseract or documentai")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return WrapError(ErrInvalidInput, "PIPELINE_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
