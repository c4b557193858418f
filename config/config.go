package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime parameter, loaded from environment variables.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"atlas"`

	HTTPPort    string `envconfig:"HTTP_PORT" default:"4000"`
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`

	// Tokens are issued by the auth collaborator; this service only verifies.
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 0 * * *"`

	// How many days an accepted request may fetch the archive.
	DownloadWindowDays int `envconfig:"DOWNLOAD_WINDOW_DAYS" default:"10"`
	// Lifetime of a presigned archive URL, in minutes.
	PresignExpiryMinutes int `envconfig:"PRESIGN_EXPIRY_MINUTES" default:"15"`

	// SMTP for request notifications. An empty SMTP_HOST disables email.
	SMTPHost string `envconfig:"SMTP_HOST"`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser string `envconfig:"SMTP_USER"`
	SMTPPass string `envconfig:"SMTP_PASS"`
	MailFrom string `envconfig:"MAIL_FROM" default:"atlas@universidad.edu"`

	// S3-compatible store holding the project archives. An empty
	// ARCHIVE_S3_URL disables presigning; emails then carry the raw
	// archive path.
	ArchiveS3Key    string `envconfig:"ARCHIVE_S3_KEY"`
	ArchiveS3Secret string `envconfig:"ARCHIVE_S3_SECRET"`
	ArchiveS3URL    string `envconfig:"ARCHIVE_S3_URL"`
	ArchiveS3Region string `envconfig:"ARCHIVE_S3_REGION" default:"eu-central-1"`
	ArchiveS3Bucket string `envconfig:"ARCHIVE_S3_BUCKET" default:"atlas-archives"`
}

// DSN returns the Data Source Name for the PostgreSQL connection.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// SMTPEnabled reports whether outgoing email is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// ArchiveStoreEnabled reports whether the S3 archive store is configured.
func (c *Config) ArchiveStoreEnabled() bool {
	return c.ArchiveS3URL != ""
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
