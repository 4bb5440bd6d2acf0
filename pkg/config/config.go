// Package config loads and validates server configuration from environment
// variables. Configuration is read once at startup and treated as frozen.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "change-this-in-prod"

// Config holds all recognized settings. Every field is overridable through an
// INVOICEMIND_* environment variable.
type Config struct {
	Environment     string
	AppName         string
	AppVersion      string
	DatabaseURL     string
	StorageRoot     string
	BlobBackend     string // file | s3 | gcs
	S3Bucket        string
	GCSBucket       string
	RedisURL        string
	JWTSecret       string
	TokenExpiry     time.Duration
	RateLimitPerMin int
	DefaultTenantID string

	ExecutionMode    string // background | worker | hybrid
	QueueWarnDepth   int
	QueueRejectDepth int

	MaxStageAttempts    int
	StageTimeoutSeconds int
	RunTimeoutSeconds   int
	WorkerPollSeconds   float64
	WorkerBatchSize     int

	LowConfidenceThreshold         float64
	LowOCRConfidenceThreshold      float64
	RequiredFieldCoverageThreshold float64
	EvidenceCoverageThreshold      float64
	CalibrationUncertaintyThresh   float64
	CalibrationRiskThreshold       float64
	CriticalFalseAcceptCeiling     float64

	MaxUploadSizeBytes   int64
	MaxPDFPages          int
	MaxXLSXRowsPerSheet  int
	AllowedMIMETypes     []string
	AllowedCurrencies    []string
	QuarantineLowQuality bool

	AuditLogEnabled bool
	AuditMaskFields []string

	PromptVersion      string
	TemplateVersion    string
	RoutingVersion     string
	PolicyVersion      string
	ModelVersion       string
	ModelRuntime       string
	ModelQuantization  string
	ConfigBundleRoot   string
	OTLPEndpoint       string
	TelemetryEnabled   bool
	ListenAddr         string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Environment:     getenv("INVOICEMIND_ENV", "dev"),
		AppName:         getenv("INVOICEMIND_APP_NAME", "InvoiceMind API"),
		AppVersion:      getenv("INVOICEMIND_APP_VERSION", "0.1.0"),
		DatabaseURL:     getenv("INVOICEMIND_DB_URL", "sqlite://invoicemind.db"),
		StorageRoot:     getenv("INVOICEMIND_STORAGE_ROOT", "storage"),
		BlobBackend:     getenv("INVOICEMIND_BLOB_BACKEND", "file"),
		S3Bucket:        getenv("INVOICEMIND_S3_BUCKET", ""),
		GCSBucket:       getenv("INVOICEMIND_GCS_BUCKET", ""),
		RedisURL:        getenv("INVOICEMIND_REDIS_URL", ""),
		JWTSecret:       getenv("INVOICEMIND_JWT_SECRET", defaultJWTSecret),
		TokenExpiry:     time.Duration(getint("INVOICEMIND_TOKEN_EXP_MINUTES", 120)) * time.Minute,
		RateLimitPerMin: getint("INVOICEMIND_RATE_LIMIT_PER_MINUTE", 60),
		DefaultTenantID: getenv("INVOICEMIND_DEFAULT_TENANT_ID", "default"),

		ExecutionMode:    getenv("INVOICEMIND_EXECUTION_MODE", "background"),
		QueueWarnDepth:   getint("INVOICEMIND_QUEUE_WARN_DEPTH", 10),
		QueueRejectDepth: getint("INVOICEMIND_QUEUE_REJECT_DEPTH", 25),

		MaxStageAttempts:    getint("INVOICEMIND_MAX_STAGE_ATTEMPTS", 2),
		StageTimeoutSeconds: getint("INVOICEMIND_STAGE_TIMEOUT_SECONDS", 20),
		RunTimeoutSeconds:   getint("INVOICEMIND_RUN_TIMEOUT_SECONDS", 120),
		WorkerPollSeconds:   getfloat("INVOICEMIND_WORKER_POLL_SECONDS", 0.75),
		WorkerBatchSize:     getint("INVOICEMIND_WORKER_BATCH_SIZE", 4),

		LowConfidenceThreshold:         getfloat("INVOICEMIND_LOW_CONFIDENCE_THRESHOLD", 0.60),
		LowOCRConfidenceThreshold:      getfloat("INVOICEMIND_LOW_OCR_CONFIDENCE_THRESHOLD", 0.55),
		RequiredFieldCoverageThreshold: getfloat("INVOICEMIND_REQUIRED_FIELD_COVERAGE_THRESHOLD", 0.80),
		EvidenceCoverageThreshold:      getfloat("INVOICEMIND_EVIDENCE_COVERAGE_THRESHOLD", 0.90),
		CalibrationUncertaintyThresh:   getfloat("INVOICEMIND_CALIBRATION_UNCERTAINTY_THRESHOLD", 0.40),
		CalibrationRiskThreshold:       getfloat("INVOICEMIND_CALIBRATION_RISK_THRESHOLD", 0.30),
		CriticalFalseAcceptCeiling:     getfloat("INVOICEMIND_CRITICAL_FALSE_ACCEPT_CEILING", 0.001),

		MaxUploadSizeBytes:  getint64("INVOICEMIND_MAX_UPLOAD_SIZE_BYTES", 25*1024*1024),
		MaxPDFPages:         getint("INVOICEMIND_MAX_PDF_PAGES", 50),
		MaxXLSXRowsPerSheet: getint("INVOICEMIND_MAX_XLSX_ROWS_PER_SHEET", 20000),
		AllowedMIMETypes: getlist("INVOICEMIND_ALLOWED_MIME_TYPES",
			"application/pdf,image/png,image/jpeg,image/webp,application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"),
		AllowedCurrencies:    upperAll(getlist("INVOICEMIND_ALLOWED_CURRENCIES", "USD,EUR,IRR")),
		QuarantineLowQuality: getbool("INVOICEMIND_QUARANTINE_LOW_QUALITY", false),

		AuditLogEnabled: getbool("INVOICEMIND_AUDIT_LOG_ENABLED", true),
		AuditMaskFields: getlist("INVOICEMIND_AUDIT_MASK_FIELDS", "password,token,bank_account,tax_id"),

		PromptVersion:     getenv("INVOICEMIND_PROMPT_VERSION", "PRM-20260209-v1"),
		TemplateVersion:   getenv("INVOICEMIND_TEMPLATE_VERSION", "TPL-20260209-v1"),
		RoutingVersion:    getenv("INVOICEMIND_ROUTING_VERSION", "RTE-20260209-v1"),
		PolicyVersion:     getenv("INVOICEMIND_POLICY_VERSION", "POL-20260209-v1"),
		ModelVersion:      getenv("INVOICEMIND_MODEL_VERSION", "MOD-qwen2.5-7b-instruct-20260209-v1"),
		ModelRuntime:      getenv("INVOICEMIND_MODEL_RUNTIME", "local"),
		ModelQuantization: getenv("INVOICEMIND_MODEL_QUANTIZATION", "q4"),
		ConfigBundleRoot:  getenv("INVOICEMIND_CONFIG_BUNDLE_ROOT", "config"),
		OTLPEndpoint:      getenv("INVOICEMIND_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled:  getbool("INVOICEMIND_TELEMETRY_ENABLED", false),
		ListenAddr:        getenv("INVOICEMIND_LISTEN_ADDR", ":8080"),
	}
}

// Validate fails fast on inconsistent settings. Called once at startup;
// afterwards the Config is never mutated.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Environment) {
	case "local", "dev", "test", "staging", "prod", "production":
	default:
		return fmt.Errorf("invalid INVOICEMIND_ENV: %q", c.Environment)
	}

	switch c.ExecutionMode {
	case "background", "worker", "hybrid":
	default:
		return fmt.Errorf("invalid INVOICEMIND_EXECUTION_MODE: %q", c.ExecutionMode)
	}

	if c.QueueWarnDepth < 0 {
		return fmt.Errorf("INVOICEMIND_QUEUE_WARN_DEPTH must be >= 0")
	}
	if c.QueueRejectDepth <= c.QueueWarnDepth {
		return fmt.Errorf("INVOICEMIND_QUEUE_REJECT_DEPTH must be > INVOICEMIND_QUEUE_WARN_DEPTH")
	}

	if c.MaxStageAttempts < 1 {
		return fmt.Errorf("INVOICEMIND_MAX_STAGE_ATTEMPTS must be >= 1")
	}
	if c.StageTimeoutSeconds < 1 {
		return fmt.Errorf("INVOICEMIND_STAGE_TIMEOUT_SECONDS must be >= 1")
	}
	if c.RunTimeoutSeconds < c.StageTimeoutSeconds {
		return fmt.Errorf("INVOICEMIND_RUN_TIMEOUT_SECONDS must be >= INVOICEMIND_STAGE_TIMEOUT_SECONDS")
	}

	if c.WorkerPollSeconds <= 0 {
		return fmt.Errorf("INVOICEMIND_WORKER_POLL_SECONDS must be > 0")
	}
	if c.WorkerBatchSize < 1 {
		return fmt.Errorf("INVOICEMIND_WORKER_BATCH_SIZE must be >= 1")
	}

	thresholds := map[string]float64{
		"INVOICEMIND_LOW_CONFIDENCE_THRESHOLD":             c.LowConfidenceThreshold,
		"INVOICEMIND_LOW_OCR_CONFIDENCE_THRESHOLD":         c.LowOCRConfidenceThreshold,
		"INVOICEMIND_REQUIRED_FIELD_COVERAGE_THRESHOLD":    c.RequiredFieldCoverageThreshold,
		"INVOICEMIND_EVIDENCE_COVERAGE_THRESHOLD":          c.EvidenceCoverageThreshold,
		"INVOICEMIND_CALIBRATION_UNCERTAINTY_THRESHOLD":    c.CalibrationUncertaintyThresh,
		"INVOICEMIND_CALIBRATION_RISK_THRESHOLD":           c.CalibrationRiskThreshold,
		"INVOICEMIND_CRITICAL_FALSE_ACCEPT_CEILING":        c.CriticalFalseAcceptCeiling,
	}
	for name, value := range thresholds {
		if value < 0 || value > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}

	if c.MaxUploadSizeBytes <= 0 {
		return fmt.Errorf("INVOICEMIND_MAX_UPLOAD_SIZE_BYTES must be > 0")
	}
	if c.MaxPDFPages <= 0 {
		return fmt.Errorf("INVOICEMIND_MAX_PDF_PAGES must be > 0")
	}
	if c.MaxXLSXRowsPerSheet <= 0 {
		return fmt.Errorf("INVOICEMIND_MAX_XLSX_ROWS_PER_SHEET must be > 0")
	}
	if len(c.AllowedMIMETypes) == 0 {
		return fmt.Errorf("INVOICEMIND_ALLOWED_MIME_TYPES must not be empty")
	}
	if len(c.AllowedCurrencies) == 0 {
		return fmt.Errorf("INVOICEMIND_ALLOWED_CURRENCIES must not be empty")
	}

	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("INVOICEMIND_JWT_SECRET must be changed in production")
	}
	return nil
}

// IsProduction reports whether the environment is a production one.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// StageTimeout returns the per-stage deadline as a Duration.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// RunTimeout returns the run-level wall-clock budget as a Duration.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// WorkerPollInterval returns the idle sleep between worker poll cycles.
func (c *Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollSeconds * float64(time.Second))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getint64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func getlist(key, fallback string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
