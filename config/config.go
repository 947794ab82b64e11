// Package config exposes the environment-derived configuration of certdesk.
// Static process facts (name, version, debug flag) are plain getters; the
// mutable-free runtime configuration is assembled once by Load and handed to
// the components that need it.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
)

//go:embed version
var version string

//go:embed name
var name string

type LogLevel string

const (
	Debug  LogLevel = "debug"
	Info   LogLevel = "info"
	Notice LogLevel = "notice"
	Warn   LogLevel = "warn"
	Error  LogLevel = "error"
)

const defaultMaxUploadSize = 16 << 20 // 16 MiB, matches the transport cap of the original deployment

func GetVersion() string {
	return strings.TrimSpace(version)
}

func GetName() string {
	return strings.TrimSpace(name)
}

func GetLogLevel() LogLevel {
	if IsDebug() {
		return Debug
	}
	logLevel := os.Getenv("CERTDESK_LOG_LEVEL")
	if logLevel == "" {
		return Info
	}
	return LogLevel(logLevel)
}

func IsDebug() bool {
	return os.Getenv("CERTDESK_DEBUG") == "true"
}

func GetLogFolder() string {
	logFolderPath := os.Getenv("CERTDESK_LOG_FOLDER")
	if logFolderPath == "" {
		logFolderPath = "/var/log"
	}
	return logFolderPath
}

func GetDBFolderPath() string {
	dbFolderPath := os.Getenv("CERTDESK_DB_FOLDER")
	if dbFolderPath == "" {
		dbFolderPath = "db"
	}
	return dbFolderPath
}

func GetDBPath() string {
	return fmt.Sprintf("%s/%s.db", GetDBFolderPath(), GetName())
}

// Config is the immutable runtime configuration, built once at process start
// and passed explicitly to the server, services and stores.
type Config struct {
	// UploadFolder is the root directory holding stored certificate bytes.
	UploadFolder string
	// MaxUploadSize caps the request body of upload endpoints, in bytes.
	MaxUploadSize int64
	// AllowedExtensions is the lowercased extension allow-set for uploads.
	AllowedExtensions []string

	// Secret overrides the persisted cookie-signing secret when non-empty.
	Secret string

	// BootstrapAdmin opts in to seeding the default admin account at startup.
	// Never enabled implicitly; see `certdesk admin` for explicit provisioning.
	BootstrapAdmin bool
	AdminUsername  string
	AdminPassword  string

	// RedisAddr switches the session store from signed cookies to Redis.
	RedisAddr     string
	RedisPassword string
}

// Load reads the certdesk environment into a Config. Defaults mirror the
// original deployment: uploads under uploads/certificates, 16 MiB body cap,
// pdf/png/jpg/jpeg uploads.
func Load() *Config {
	return &Config{
		UploadFolder:      envOr("CERTDESK_UPLOAD_FOLDER", "uploads/certificates"),
		MaxUploadSize:     envInt64("CERTDESK_MAX_UPLOAD_SIZE", defaultMaxUploadSize),
		AllowedExtensions: splitExtensions(envOr("CERTDESK_ALLOWED_EXTENSIONS", "pdf,png,jpg,jpeg")),
		Secret:            os.Getenv("CERTDESK_SECRET"),
		BootstrapAdmin:    os.Getenv("CERTDESK_BOOTSTRAP_ADMIN") == "true",
		AdminUsername:     envOr("CERTDESK_ADMIN_USERNAME", "admin"),
		AdminPassword:     envOr("CERTDESK_ADMIN_PASSWORD", "admin123"),
		RedisAddr:         os.Getenv("CERTDESK_REDIS_ADDR"),
		RedisPassword:     os.Getenv("CERTDESK_REDIS_PASSWORD"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitExtensions(raw string) []string {
	parts := strings.Split(raw, ",")
	exts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(p, ".")))
		if p != "" {
			exts = append(exts, p)
		}
	}
	return exts
}
