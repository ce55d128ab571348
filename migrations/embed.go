// Package migrations holds the goose schema for the override store.
package migrations

import "embed"

// FS is read by goose at startup and by the migrate command.
//
//go:embed *.sql
var FS embed.FS
