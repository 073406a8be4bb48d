// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads daemon configuration from a single YAML file.
//
// The file path comes from the OUTPOST_CONFIG environment variable or
// the --config flag — no search paths, no automatic discovery. A
// deterministic single source keeps deployments auditable.
package config
