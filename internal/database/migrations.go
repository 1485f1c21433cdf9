package database

import (
	"database/sql"
	"fmt"
)

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    link TEXT UNIQUE NOT NULL,
    agency TEXT NOT NULL,
    category TEXT,
    content TEXT,
    published_at TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    analysis_result TEXT
);

CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_at DESC);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "manual star rating and filter indexes",
		Up: func(tx *sql.Tx) error {
			has, err := hasColumn(tx, "articles", "star_rating")
			if err != nil {
				return err
			}
			if !has {
				if _, err := tx.Exec(`ALTER TABLE articles ADD COLUMN star_rating INTEGER`); err != nil {
					return err
				}
			}
			_, err = tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_articles_agency ON articles(agency, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_category ON articles(category, published_at DESC);
`)
			return err
		},
	},
}

func hasColumn(tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?", table), column,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspecting %s: %w", table, err)
	}
	return n > 0, nil
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
