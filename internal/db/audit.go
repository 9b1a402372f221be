// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"os/user"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/toeirei/poolgate/internal/model"
)

// Audit actions.
const (
	ActionCreateAPIKey   = "CREATE_API_KEY"
	ActionUpdateAPIKey   = "UPDATE_API_KEY"
	ActionDeleteAPIKey   = "DELETE_API_KEY"
	ActionAddAccount     = "ADD_ACCOUNT"
	ActionRemoveAccount  = "REMOVE_ACCOUNT"
	ActionEnableAccount  = "ENABLE_ACCOUNT"
	ActionDisableAccount = "DISABLE_ACCOUNT"
	ActionAutoDisabled   = "ACCOUNT_AUTO_DISABLED"
	ActionRecovered      = "ACCOUNT_RECOVERED"
	ActionRestore        = "RESTORE_BACKUP"
)

// TimestampFormat is fixed width so entries sort lexically by time.
const TimestampFormat = "2006-01-02 15:04:05.000000"

// AuditWriter is the minimal interface for writing audit entries.
type AuditWriter interface {
	LogAction(action, details string) error
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     string `bun:"timestamp"`
	Username      string `bun:"username"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

// Store is the Bun-backed audit log. A nil *Store accepts writes and
// discards them.
type Store struct {
	bun    *bun.DB
	dbType string
	clock  func() time.Time
}

// Type returns the database type the store was opened with.
func (s *Store) Type() string {
	if s == nil {
		return TypeNone
	}
	return s.dbType
}

// currentUser returns the OS user name without a Windows domain prefix.
func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	if parts := strings.Split(u.Username, `\`); len(parts) > 1 {
		return parts[1]
	}
	return u.Username
}

// LogAction inserts an audit entry attributed to the current OS user.
func (s *Store) LogAction(action, details string) error {
	return s.LogActionAs(currentUser(), action, details)
}

// LogActionAs inserts an audit entry attributed to username.
func (s *Store) LogActionAs(username, action, details string) error {
	if s == nil {
		return nil
	}
	m := &AuditLogModel{
		Timestamp: s.clock().UTC().Format(TimestampFormat),
		Username:  username,
		Action:    action,
		Details:   details,
	}
	_, err := s.bun.NewInsert().Model(m).Exec(context.Background())
	return MapDBError(err)
}

// Entries returns the newest entries first. A limit of zero or less returns
// everything.
func (s *Store) Entries(ctx context.Context, limit int) ([]model.AuditLogEntry, error) {
	if s == nil {
		return nil, nil
	}
	var am []AuditLogModel
	q := s.bun.NewSelect().Model(&am).OrderExpr("timestamp DESC").OrderExpr("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(am))
	for _, a := range am {
		out = append(out, model.AuditLogEntry{ID: a.ID, Timestamp: a.Timestamp, Username: a.Username, Action: a.Action, Details: a.Details})
	}
	return out, nil
}

// Prune deletes entries older than before and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.bun.NewDelete().Model((*AuditLogModel)(nil)).
		Where("timestamp < ?", before.UTC().Format(TimestampFormat)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.bun.Close()
}
