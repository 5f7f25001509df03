// Package migrate applies sequential schema migrations to on-disk data,
// upgrading from one version to the next.
package migrate

import (
	"fmt"
	"log/slog"
	"sort"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Migration represents a schema migration that upgrades on-disk data
// from one version to the next.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short human-readable label for log output.
	Description string
	// Upgrade transforms data from the prior version to [Migration.Version].
	Upgrade func(data []byte) ([]byte, error)
}

// Registry holds the current version and the migrations for a single schema
// target. The daemon has one target today, the config file, but the registry
// keeps version numbers local to that target.
type Registry struct {
	// CurrentVersion is the latest schema version that this registry targets.
	CurrentVersion int
	// Migrations is the list of versioned upgrades. Exported so tests can
	// override it for a given registry instance.
	Migrations []Migration
}

// Config is the migration registry for config.toml files. Migrations are
// registered by the config package.
var Config = &Registry{CurrentVersion: 2}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Register appends a migration to the registry. It panics if a migration
// with the same version is already registered, or if the migration targets a
// version newer than [Registry.CurrentVersion].
func (r *Registry) Register(m Migration) {
	if m.Version > r.CurrentVersion {
		panic(fmt.Sprintf("migrate: migration v%d exceeds current version %d", m.Version, r.CurrentVersion))
	}
	for _, existing := range r.Migrations {
		if existing.Version == m.Version {
			panic(fmt.Sprintf("migrate: duplicate migration version %d (description: %q)", m.Version, m.Description))
		}
	}
	r.Migrations = append(r.Migrations, m)
}

// NeedsMigration reports whether data at fileVersion differs from the
// registry's current version.
func (r *Registry) NeedsMigration(fileVersion int) bool {
	return fileVersion != r.CurrentVersion
}

// Run applies registered migrations sequentially where fromVersion < m.Version.
func (r *Registry) Run(data []byte, fromVersion int) ([]byte, int, error) {
	return Run(data, fromVersion, r.Migrations)
}

// Run applies migrations sequentially where fromVersion < m.Version.
// Returns the transformed data, final version reached, and any error.
func Run(data []byte, fromVersion int, migrations []Migration) ([]byte, int, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	version := fromVersion
	for _, m := range sorted {
		if version >= m.Version {
			continue
		}
		slog.Info("applying migration", "version", m.Version, "description", m.Description)
		var err error
		data, err = m.Upgrade(data)
		if err != nil {
			return nil, version, fmt.Errorf("migration to v%d failed: %w", m.Version, err)
		}
		version = m.Version
	}
	return data, version, nil
}
