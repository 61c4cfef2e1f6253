package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// MigrationState is one row of migration status output.
type MigrationState struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Migrator is implemented by stores that expose schema history.
type Migrator interface {
	MigrationStatus(ctx context.Context) ([]MigrationState, error)
	MigrateDown(ctx context.Context, targetVersion int64) error
}

// provider runs against the store's own handle. The provider is never
// closed because Close would close that handle too.
func (s *sqlStore) provider() (*goose.Provider, error) {
	sub, err := fs.Sub(migrationsFS, "migrations/"+s.dialect.name)
	if err != nil {
		return nil, fmt.Errorf("locate migrations: %w", err)
	}
	p, err := goose.NewProvider(s.dialect.goose, s.db, sub)
	if err != nil {
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return p, nil
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	p, err := s.provider()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	results, err := p.Up(runCtx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *sqlStore) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	p, err := s.provider()
	if err != nil {
		return nil, err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, MigrationState{
			Version:   st.Source.Version,
			Path:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// MigrateDown rolls back the latest migration when targetVersion is
// negative, otherwise down to targetVersion (0 removes every migration).
func (s *sqlStore) MigrateDown(ctx context.Context, targetVersion int64) error {
	p, err := s.provider()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion >= 0 {
		s.logger.Info("rolling back migrations", "target", targetVersion)
		if _, err := p.DownTo(runCtx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
		return nil
	}
	s.logger.Info("rolling back latest migration")
	if _, err := p.Down(runCtx); err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	return nil
}
