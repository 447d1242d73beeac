// Package postgres embebe las migraciones SQL del esquema de keywarden.
package postgres

import "embed"

//go:embed *.sql
var FS embed.FS
