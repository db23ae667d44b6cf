package sqlstore

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"kaongassess/internal/config"
)

// dialect captures the differences between the supported backends.
type dialect struct {
	driver       string
	numbered     bool // $1, $2, ... instead of ?
	returningID  bool // INSERT ... RETURNING id instead of LastInsertId
	schema       []string
	columnExists string
	jsonType     string
}

var dialects = map[string]dialect{
	"mysql": {
		driver: "mysql",
		schema: []string{`
		CREATE TABLE IF NOT EXISTS assessments (
			id INT AUTO_INCREMENT PRIMARY KEY,
			image_url VARCHAR(255) NOT NULL,
			assessment VARCHAR(100) NOT NULL,
			confidence DECIMAL(5,3) NOT NULL,
			source VARCHAR(50) NOT NULL,
			detection_data JSON,
			ripe_image_url VARCHAR(255),
			unripe_image_url VARCHAR(255),
			rotten_image_url VARCHAR(255),
			timestamp TIMESTAMP(6) DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_timestamp (timestamp),
			INDEX idx_source (source),
			INDEX idx_assessment (assessment)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		},
		columnExists: `SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = 'assessments' AND column_name = ?`,
		jsonType: "JSON",
	},
	"postgres": {
		driver:      "postgres",
		numbered:    true,
		returningID: true,
		schema: []string{`
		CREATE TABLE IF NOT EXISTS assessments (
			id SERIAL PRIMARY KEY,
			image_url VARCHAR(255) NOT NULL,
			assessment VARCHAR(100) NOT NULL,
			confidence NUMERIC(5,3) NOT NULL,
			source VARCHAR(50) NOT NULL,
			detection_data JSONB,
			ripe_image_url VARCHAR(255),
			unripe_image_url VARCHAR(255),
			rotten_image_url VARCHAR(255),
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
			`CREATE INDEX IF NOT EXISTS idx_assessments_timestamp ON assessments(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_assessments_source ON assessments(source)`,
			`CREATE INDEX IF NOT EXISTS idx_assessments_assessment ON assessments(assessment)`,
		},
		columnExists: `SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = 'assessments' AND column_name = ?`,
		jsonType: "JSONB",
	},
	"sqlite3": {
		driver: "sqlite3",
		schema: []string{`
		CREATE TABLE IF NOT EXISTS assessments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			image_url VARCHAR(255) NOT NULL,
			assessment VARCHAR(100) NOT NULL,
			confidence DECIMAL(5,3) NOT NULL,
			source VARCHAR(50) NOT NULL,
			detection_data TEXT,
			ripe_image_url VARCHAR(255),
			unripe_image_url VARCHAR(255),
			rotten_image_url VARCHAR(255),
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
			`CREATE INDEX IF NOT EXISTS idx_assessments_timestamp ON assessments(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_assessments_source ON assessments(source)`,
			`CREATE INDEX IF NOT EXISTS idx_assessments_assessment ON assessments(assessment)`,
		},
		columnExists: `SELECT COUNT(*) FROM pragma_table_info('assessments') WHERE name = ?`,
		jsonType:     "TEXT",
	},
}

func dialectFor(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders into the dialect's style.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dsn builds the driver-specific data source name from the configuration.
func (d dialect) dsn(cfg *config.Config) (string, error) {
	switch d.driver {
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = cfg.DBUser
		mc.Passwd = cfg.DBPassword
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.DBHost, strconv.Itoa(cfg.DBPort))
		mc.DBName = cfg.DBName
		mc.ParseTime = true
		mc.Loc = time.UTC
		autocommit := "0"
		if cfg.DBAutocommit {
			autocommit = "1"
		}
		mc.Params = map[string]string{
			"charset":    cfg.DBCharset,
			"autocommit": autocommit,
		}
		return mc.FormatDSN(), nil

	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
			Host:     net.JoinHostPort(cfg.DBHost, strconv.Itoa(cfg.DBPort)),
			Path:     "/" + cfg.DBName,
			RawQuery: url.Values{"sslmode": {cfg.DBSSLMode}}.Encode(),
		}
		return u.String(), nil

	case "sqlite3":
		if dir := filepath.Dir(cfg.DBPath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return cfg.DBPath + "?_journal_mode=WAL&_busy_timeout=5000", nil
	}
	return "", fmt.Errorf("unsupported database driver %q", d.driver)
}
