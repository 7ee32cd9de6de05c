// Package storage opens the database connection shared by the usage ledger.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Backend names accepted in Config.Type.
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

// DefaultDatabase names the MongoDB database and the SQLite file stem.
const DefaultDatabase = "modelhub"

// Config selects and configures one backend.
type Config struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig configures the embedded database.
type SQLiteConfig struct {
	// Path defaults to data/modelhub.db.
	Path string `yaml:"path"`
}

// PostgreSQLConfig configures the pgx pool.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig configures the MongoDB client.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// Storage is an open connection to exactly one backend. Accessors for the
// other backends return nil.
type Storage interface {
	Type() string
	SQLiteDB() *sql.DB
	PostgreSQLPool() *pgxpool.Pool
	MongoDatabase() *mongo.Database
	Close() error
}

// New opens the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeSQLite, "":
		return NewSQLite(cfg.SQLite)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL)
	case TypeMongoDB:
		return NewMongoDB(ctx, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite, postgresql, mongodb)", cfg.Type)
	}
}

// DefaultConfig returns an SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Type:       TypeSQLite,
		SQLite:     SQLiteConfig{Path: "data/" + DefaultDatabase + ".db"},
		PostgreSQL: PostgreSQLConfig{MaxConns: 10},
		MongoDB:    MongoDBConfig{Database: DefaultDatabase},
	}
}

// noBackend supplies nil accessors that each backend overrides.
type noBackend struct{}

func (noBackend) SQLiteDB() *sql.DB              { return nil }
func (noBackend) PostgreSQLPool() *pgxpool.Pool  { return nil }
func (noBackend) MongoDatabase() *mongo.Database { return nil }
