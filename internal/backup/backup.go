// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package backup reads and writes zstd-compressed JSON archives of the
// runtime-managed configuration (accounts and API keys) plus the audit log.
package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/toeirei/poolgate/internal/config"
	"github.com/toeirei/poolgate/internal/model"
)

// SchemaVersion is written into every archive.
const SchemaVersion = 1

// Archive is the backup payload.
type Archive struct {
	SchemaVersion int                   `json:"schema_version"`
	CreatedAt     time.Time             `json:"created_at"`
	Accounts      []config.Account      `json:"accounts"`
	APIKeys       []config.APIKey       `json:"api_keys"`
	AuditLog      []model.AuditLogEntry `json:"audit_log,omitempty"`
}

// FromConfig builds an archive from a config snapshot.
func FromConfig(c config.Config, audit []model.AuditLogEntry, now time.Time) Archive {
	return Archive{
		SchemaVersion: SchemaVersion,
		CreatedAt:     now.UTC(),
		Accounts:      c.Accounts,
		APIKeys:       c.APIKeys,
		AuditLog:      audit,
	}
}

// DefaultFileName returns poolgate-backup-YYYY-MM-DD.json.zst.
func DefaultFileName(now time.Time) string {
	return fmt.Sprintf("poolgate-backup-%s.json.zst", now.Format("2006-01-02"))
}

// WithExtension appends .zst when it is missing.
func WithExtension(name string) string {
	if strings.HasSuffix(name, ".zst") {
		return name
	}
	return name + ".zst"
}

// Write streams a as JSON through a zstd encoder.
func Write(w io.Writer, a Archive) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		_ = zw.Close()
		return fmt.Errorf("could not encode backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("could not flush zstd writer: %w", err)
	}
	return nil
}

// Read decodes an archive written by Write.
func Read(r io.Reader) (Archive, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Archive{}, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zr.Close()

	var a Archive
	if err := json.NewDecoder(zr).Decode(&a); err != nil {
		return Archive{}, fmt.Errorf("could not decode json from zstd reader: %w", err)
	}
	if a.SchemaVersion != SchemaVersion {
		return Archive{}, fmt.Errorf("unsupported backup schema version %d", a.SchemaVersion)
	}
	return a, nil
}

// WriteFile writes a to filename, readable by the owner only since the
// archive holds refresh tokens and API keys.
func WriteFile(filename string, a Archive) error {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	if err := Write(file, a); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// ReadFile reads an archive from filename.
func ReadFile(filename string) (Archive, error) {
	file, err := os.Open(filename)
	if err != nil {
		return Archive{}, fmt.Errorf("could not open file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return Read(file)
}
