// Package conf
package conf

import (
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

// Config holds a database connection and metadata
type Config struct {
	Name      string
	DB        *sql.DB
	ConnStr   string
	AdminDB   *sql.DB
	SchemaSQL string
}

// NewConfig opens a postgres connection pool and verifies it is reachable.
func NewConfig(connStr string, maxOpen, maxIdle int) (*Config, error) {
	if connStr == "" {
		return nil, fmt.Errorf("empty database connection string")
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Config{DB: db, ConnStr: connStr}, nil
}

// FindSchema locates scripts/schema.sql from the working directory or up to three parents.
func FindSchema() (string, error) {
	schemaPath := filepath.Join("scripts", "schema.sql")
	for i := 0; i < 4; i++ {
		if _, err := os.Stat(schemaPath); err == nil {
			data, err := os.ReadFile(schemaPath)
			if err != nil {
				return "", fmt.Errorf("failed to read %s: %w", schemaPath, err)
			}
			return string(data), nil
		}
		schemaPath = filepath.Join("..", schemaPath)
	}
	return "", fmt.Errorf("schema.sql not found")
}

// ApplySchema executes every statement of a schema script.
func ApplySchema(db *sql.DB, schemaSQL string) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %s: %w", stmt, err)
		}
	}
	return nil
}

// NewTestConfig creates a new database with a random name and applies the schema.
// It skips the test when postgres is not reachable.
func NewTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	const (
		testHost     = "localhost"
		testPort     = 5432
		testUser     = "postgres"
		testPassword = "postgres"
	)

	adminConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		testHost, testPort, testUser, testPassword)

	adminDB, err := sql.Open("postgres", adminConnStr)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}

	if err := adminDB.Ping(); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
		return nil, func() {}
	}

	dbName := fmt.Sprintf("test_db_%d", rand.Int31())
	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		adminDB.Close()
		t.Fatalf("Failed to create test database: %v", err)
	}

	schemaSQL, err := FindSchema()
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to read schema.sql: %v", err)
	}

	dbConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		testHost, testPort, testUser, testPassword, dbName)

	db, err := sql.Open("postgres", dbConnStr)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := ApplySchema(db, schemaSQL); err != nil {
		db.Close()
		adminDB.Close()
		t.Fatalf("%v", err)
	}

	testDB := &Config{
		Name:      dbName,
		DB:        db,
		ConnStr:   dbConnStr,
		AdminDB:   adminDB,
		SchemaSQL: schemaSQL,
	}

	cleanup := func() {
		db.Close()

		_, err := adminDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName))
		if err != nil {
			t.Logf("Warning: Failed to drop test database %s: %v", dbName, err)
		}

		adminDB.Close()
	}

	return testDB, cleanup
}
