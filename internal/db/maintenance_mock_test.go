// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func withMockOpen(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	orig := sqlOpenFunc
	sqlOpenFunc = func(driverName, dsn string) (*sql.DB, error) { return dbMock, nil }
	t.Cleanup(func() {
		sqlOpenFunc = orig
		_ = dbMock.Close()
	})
	return mock
}

func TestRunDBMaintenance_Sqlite_WithMock_Success(t *testing.T) {
	mock := withMockOpen(t)
	mock.ExpectExec("PRAGMA optimize").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("VACUUM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("PRAGMA wal_checkpoint\\(").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("PRAGMA integrity_check").WillReturnRows(sqlmock.NewRows([]string{"integrity_check"}).AddRow("ok"))

	if err := RunDBMaintenance("sqlite", "whatever"); err != nil {
		t.Fatalf("expected RunDBMaintenance success, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDBMaintenance_Sqlite_VacuumFailure(t *testing.T) {
	mock := withMockOpen(t)
	mock.ExpectExec("PRAGMA optimize").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("VACUUM").WillReturnError(errors.New("database is locked"))

	if err := RunDBMaintenance("sqlite", "whatever"); err == nil {
		t.Fatal("expected error when VACUUM fails")
	}
}

func TestRunDBMaintenance_Sqlite_IntegrityFailure(t *testing.T) {
	mock := withMockOpen(t)
	mock.ExpectExec("PRAGMA optimize").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("VACUUM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("PRAGMA wal_checkpoint\\(").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("PRAGMA integrity_check").WillReturnRows(sqlmock.NewRows([]string{"integrity_check"}).AddRow("corrupt page"))

	if err := RunDBMaintenance("sqlite", "whatever"); err == nil {
		t.Fatal("expected integrity error")
	}
}

func TestRunDBMaintenance_Postgres_WithMock_Success(t *testing.T) {
	mock := withMockOpen(t)
	mock.ExpectExec("VACUUM ANALYZE").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := RunDBMaintenance("postgres", "dsn"); err != nil {
		t.Fatalf("expected postgres maintenance to succeed, got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDBMaintenance_MySQL_Failure(t *testing.T) {
	mock := withMockOpen(t)
	mock.ExpectExec("OPTIMIZE TABLE audit_log").WillReturnError(errors.New("denied"))

	if err := RunDBMaintenance("mysql", "dsn"); err == nil {
		t.Fatal("expected mysql optimize error")
	}
}

func TestRunDBMaintenance_UnsupportedType(t *testing.T) {
	if err := RunDBMaintenance("oracle", "dsn"); err == nil {
		t.Fatal("expected error")
	}
}
