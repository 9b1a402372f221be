// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cli implements the poolgate command line: the serve command that
// runs the gateway, offline management of accounts and API keys in the
// config file, the audit log, backups and the dashboard.
package cli
