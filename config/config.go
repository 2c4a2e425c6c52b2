package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"soundreach/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
}

type IMAPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	Mailbox    string `json:"mailbox"`
	Encryption string `json:"encryption"` // SSL, STARTTLS or plain
}

type LLMConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"-"`
	Model   string `json:"model"`
}

// EngineConfig holds the outreach engine's process-wide options.
type EngineConfig struct {
	TickInterval        time.Duration `json:"tick_interval"`
	MailboxPollInterval time.Duration `json:"mailbox_poll_interval"`
	TriggerInterval     time.Duration `json:"trigger_interval"`
	ReaperInterval      time.Duration `json:"reaper_interval"`

	DraftTTLHours         int     `json:"ai_draft_ttl_hours"`
	MaxRetryAttempts      int     `json:"max_retry_attempts"`
	BackoffBaseSeconds    int     `json:"backoff_base_seconds"`
	BackoffCapSeconds     int     `json:"backoff_cap_seconds"`
	AutoApprovalWindow    int     `json:"auto_approval_window"`
	AutoApprovalThreshold float64 `json:"auto_approval_threshold"`
	OutOfOfficeDelayDays  int     `json:"out_of_office_delay_days"`

	TickBatchSize int    `json:"tick_batch_size"`
	BusinessTZ    string `json:"business_tz"`
	TrackingBase  string `json:"tracking_base"` // public base URL for the open pixel
}

type Config struct {
	Environment string      `json:"environment"`
	ServerPort  string      `json:"server_port"`
	SentryDSN   string      `json:"-"`
	DBHost      string      `json:"db_host"`
	DBPort      string      `json:"db_port"`
	DBUser      string      `json:"db_user"`
	DBPassword  string      `json:"-"`
	DBName      string      `json:"db_name"`
	DBSSLMode   string      `json:"db_ssl_mode"`
	Redis       RedisConfig `json:"redis"`
	SMTP        SMTPConfig  `json:"smtp"`
	IMAP        IMAPConfig  `json:"imap"`
	LLM         LLMConfig   `json:"llm"`
	Engine      EngineConfig
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBName:      getEnv("DB_NAME", "soundreach"),
		DBSSLMode:   getEnv("DB_SSL_MODE", "disable"),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromName:  getEnv("SMTP_FROM_NAME", "Soundreach"),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
		},
		IMAP: IMAPConfig{
			Host:       getEnv("IMAP_HOST", ""),
			Port:       getEnvAsInt("IMAP_PORT", 993),
			Username:   getEnv("IMAP_USERNAME", ""),
			Password:   getEnv("IMAP_PASSWORD", ""),
			Mailbox:    getEnv("IMAP_MAILBOX", "INBOX"),
			Encryption: getEnv("IMAP_ENCRYPTION", "SSL"),
		},
		LLM: LLMConfig{
			BaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  getEnv("LLM_API_KEY", ""),
			Model:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		},
		Engine: EngineConfig{
			TickInterval:          getEnvAsDuration("ENGINE_TICK_INTERVAL", time.Minute),
			MailboxPollInterval:   getEnvAsDuration("MAILBOX_POLL_INTERVAL", 3*time.Minute),
			TriggerInterval:       getEnvAsDuration("TRIGGER_INTERVAL", time.Hour),
			ReaperInterval:        getEnvAsDuration("REAPER_INTERVAL", 15*time.Minute),
			DraftTTLHours:         getEnvAsInt("AI_DRAFT_TTL_HOURS", 24),
			MaxRetryAttempts:      getEnvAsInt("MAX_RETRY_ATTEMPTS", 5),
			BackoffBaseSeconds:    getEnvAsInt("BACKOFF_BASE_SECONDS", 300),
			BackoffCapSeconds:     getEnvAsInt("BACKOFF_CAP_SECONDS", 3600),
			AutoApprovalWindow:    getEnvAsInt("AUTO_APPROVAL_WINDOW", 20),
			AutoApprovalThreshold: getEnvAsFloat("AUTO_APPROVAL_THRESHOLD", 0.90),
			OutOfOfficeDelayDays:  getEnvAsInt("OUT_OF_OFFICE_DELAY_DAYS", 3),
			TickBatchSize:         getEnvAsInt("TICK_BATCH_SIZE", 100),
			BusinessTZ:            getEnv("BUSINESS_TZ", "Europe/Paris"),
			TrackingBase:          getEnv("TRACKING_BASE_URL", "http://localhost:5000"),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.SMTP.Host == "" || AppConfig.SMTP.FromEmail == "" {
			return fmt.Errorf("SMTP_HOST and SMTP_FROM_EMAIL are required in production")
		}
		if AppConfig.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required in production")
		}
	}
	if _, err := time.LoadLocation(AppConfig.Engine.BusinessTZ); err != nil {
		return fmt.Errorf("invalid BUSINESS_TZ %q: %w", AppConfig.Engine.BusinessTZ, err)
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value float64
	_, err := fmt.Sscanf(valueStr, "%g", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return d
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Engine: tick=%s mailbox=%s triggers=%s reaper=%s",
		AppConfig.Engine.TickInterval,
		AppConfig.Engine.MailboxPollInterval,
		AppConfig.Engine.TriggerInterval,
		AppConfig.Engine.ReaperInterval)
}
