package database

import "embed"

// Migrations holds the goose SQL migrations, applied from the "migrations" directory.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"
