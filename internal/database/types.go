package database

import "time"

// Extension is one row of the installed-extension registry.
type Extension struct {
	Slug        string     `db:"slug" json:"slug"`
	Name        string     `db:"name" json:"name"`
	Version     string     `db:"version" json:"version"`
	Size        int64      `db:"size" json:"size"`
	InstalledAt *time.Time `db:"installed_at" json:"installed_at,omitempty"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// BaselineFile is one hashed file in an integrity baseline.
type BaselineFile struct {
	Slug string `db:"slug"`
	Path string `db:"path"`
	Hash string `db:"hash"`
}
