package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

type Config struct {
	Host       string
	Port       string
	User       string
	Password   string
	Database   string
	SchemaPath string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ConnectAttempts bounds the startup ping loop.
	ConnectAttempts int
}

func NewConfigFromEnv() *Config {
	config := &Config{
		Host:       getEnv("DB_HOST", "localhost"),
		Port:       getEnv("DB_PORT", "3306"),
		User:       getEnv("DB_USER", "root"),
		Password:   getEnv("DB_PASSWORD", "password"),
		Database:   getEnv("DB_NAME", "ctf_server_db"),
		SchemaPath: getEnv("SCHEMA_PATH", "../migration/ctf_server_schema.sql"),

		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		ConnectAttempts: getEnvInt("DB_CONNECT_ATTEMPTS", 5),
	}
	return config
}

// DSN always sets parseTime and loc=UTC so DATETIME columns round-trip as UTC.
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

func Connect(config *Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("mysql", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := pingWithRetry(context.Background(), db.PingContext, config.ConnectAttempts, time.Second, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to database",
		slog.String("host", config.Host),
		slog.String("database", config.Database),
	)
	return db, nil
}

// pingWithRetry doubles the wait between attempts, starting at backoff.
func pingWithRetry(ctx context.Context, ping func(ctx context.Context) error, attempts int, backoff time.Duration, logger *slog.Logger) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		logger.Warn("database not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to ping database: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to ping database after %d attempts: %w", attempts, err)
}

// InitSchema applies every statement of the schema file in order and returns
// how many ran. The schema must be idempotent.
func InitSchema(ctx context.Context, db *sql.DB, schemaPath string) (int, error) {
	schemaSQL, err := os.ReadFile(schemaPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema file: %w", err)
	}

	statements := splitSQL(string(schemaSQL))
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return i, fmt.Errorf("failed to execute statement %d: %w", i+1, err)
		}
	}
	return len(statements), nil
}

// splitSQL breaks a schema file on lines ending in ';'. Full-line "--"
// comments and blank lines are dropped and each kept line is trimmed.
func splitSQL(sql string) []string {
	var (
		statements []string
		current    strings.Builder
	)

	for line := range strings.Lines(sql) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteByte('\n')

		if strings.HasSuffix(line, ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}

	if current.Len() > 0 {
		statements = append(statements, current.String())
	}
	return statements
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
