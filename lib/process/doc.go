// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. These functions
// centralize the one legitimate raw I/O pattern that exists before the
// structured logger is constructed: fatal error reporting to stderr
// when main()'s setup itself fails. Everything after logger
// construction goes through the logger instead.
package process
