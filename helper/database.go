package helper

import (
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// DatabaseConfiguration holds the connection parameters for the Postgres store.
// Values are read from the environment, with a .env file as optional source.
type DatabaseConfiguration struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	Database string `env:"DB_DATABASE" envDefault:"database"`
	Username string `env:"DB_USERNAME" envDefault:"user"`
	Password string `env:"DB_PASSWORD" envDefault:"password"`
	Schema   string `env:"DB_SCHEMA" envDefault:"public"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// NewDatabaseConfiguration loads the database configuration from the
// environment. A .env file in the working directory is loaded first if present.
func NewDatabaseConfiguration() (*DatabaseConfiguration, error) {
	_ = godotenv.Load()

	config := &DatabaseConfiguration{}
	if err := env.Parse(config); err != nil {
		return nil, NewError("parse database configuration", err)
	}
	return config, nil
}

// ConnectionString returns the lib/pq connection string for the configuration.
func (c *DatabaseConfiguration) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s search_path=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.Schema, c.SSLMode,
	)
}

// Database wraps the sql.DB instance together with the logger used by all
// database handlers.
type Database struct {
	Name     string
	Instance *sql.DB
	Logger   *slog.Logger
}

// NewDatabase opens a pooled connection to the configured Postgres instance.
// It panics if the database cannot be reached, mirroring a misconfigured
// deployment rather than a recoverable data condition.
func NewDatabase(name string, config *DatabaseConfiguration, logger *slog.Logger) *Database {
	if logger == nil {
		logger = slog.Default()
	}

	instance, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		log.Panicf("error opening database connection: %v", err)
	}

	instance.SetMaxOpenConns(10)
	instance.SetMaxIdleConns(5)
	instance.SetConnMaxLifetime(30 * time.Minute)

	// The database may still be starting, retry the ping briefly.
	for attempt := 0; ; attempt++ {
		err = instance.Ping()
		if err == nil {
			break
		}
		if attempt >= 9 {
			log.Panicf("error pinging database: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	logger.Info("Connected to database", slog.String("name", name), slog.String("host", config.Host))

	return &Database{
		Name:     name,
		Instance: instance,
		Logger:   logger,
	}
}

// NewTestDatabase opens a database connection with a quiet default logger,
// intended for use from tests.
func NewTestDatabase(config *DatabaseConfiguration) *Database {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewDatabase("test", config, logger)
}
