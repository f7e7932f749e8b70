// Package db carries the SQL migrations for the script tables.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
