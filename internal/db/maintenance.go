// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"
)

// RunDBMaintenance performs engine-specific maintenance on the audit
// database. SQLite gets PRAGMA optimize, VACUUM, a WAL checkpoint and an
// integrity check; Postgres gets VACUUM ANALYZE; MySQL gets OPTIMIZE TABLE
// on the audit table.
func RunDBMaintenance(dbType, dsn string) error {
	driverName, err := driverFor(dbType)
	if err != nil {
		return err
	}
	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for maintenance: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch dbType {
	case "sqlite":
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
			dbLogf("db: sqlite optimize failed (ignored): %v", err)
		}
		if _, err := sqlDB.ExecContext(ctx, "VACUUM;"); err != nil {
			return fmt.Errorf("sqlite vacuum failed: %w", err)
		}
		_, _ = sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);")
		var res string
		if err := sqlDB.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&res); err != nil {
			return fmt.Errorf("sqlite integrity_check failed: %w", err)
		}
		if res != "ok" {
			return fmt.Errorf("sqlite integrity_check failed: %s", res)
		}
	case "postgres":
		if _, err := sqlDB.ExecContext(ctx, "VACUUM ANALYZE audit_log;"); err != nil {
			return fmt.Errorf("postgres vacuum failed: %w", err)
		}
	case "mysql":
		if _, err := sqlDB.ExecContext(ctx, "OPTIMIZE TABLE audit_log"); err != nil {
			return fmt.Errorf("mysql optimize failed: %w", err)
		}
	}
	return nil
}
