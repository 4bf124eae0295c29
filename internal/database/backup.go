package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autoposter/internal/config"

	"github.com/rs/zerolog"
)

// BackupService writes periodic snapshots of a sqlite posting store.
type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "backup").Logger()
	}
	return &BackupService{db: db, config: cfg, logger: log, now: time.Now}
}

// Start blocks until ctx is done. It is a no-op for non-sqlite stores.
func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		return
	}
	if s.db.Driver() != "sqlite3" {
		s.logger.Info().Str("driver", s.db.Driver()).Msg("snapshots only apply to sqlite, backup disabled")
		return
	}

	interval := s.config.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	s.logger.Info().Dur("interval", interval).Msg("backup service started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Snapshot(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled snapshot failed")
			}
			s.CleanupOldBackups()
		}
	}
}

// Snapshot writes a consistent copy of the database with VACUUM INTO and
// returns its path.
func (s *BackupService) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("postings_%s.db", s.now().UTC().Format("20060102_150405"))
	path := filepath.Join(s.config.StoragePath, name)
	if strings.Contains(path, "'") {
		return "", fmt.Errorf("backup path %q contains a quote", path)
	}

	if _, err := s.db.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", path)); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}

	s.logger.Info().Str("path", path).Msg("snapshot written")
	return path, nil
}

func (s *BackupService) CleanupOldBackups() {
	if s.config.RetentionDays <= 0 {
		return
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read backup directory for cleanup")
		return
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "postings_") {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("failed to delete old backup")
			}
		}
	}
}
