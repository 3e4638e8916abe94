package assistant

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

const DefaultUploadCleanupInterval = time.Hour

// StartUploadCleaner removes uploads older than retention until ctx is done.
// A non-positive retention disables the cleaner.
func (s *Service) StartUploadCleaner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultUploadCleanupInterval
	}
	go s.cleanupLoop(ctx, retention, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.cleanupExpiredUploads(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				s.logger.Error("cleanup uploads failed", "err", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("expired uploads removed", "count", removed)
			}
		}
	}
}

// cleanupExpiredUploads deletes files created at or before cutoff. The
// chat messages announcing them are kept.
func (s *Service) cleanupExpiredUploads(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stored_path FROM uploaded_files WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type fileRow struct {
		id   int64
		path string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.path); err != nil {
			return 0, err
		}
		files = append(files, fr)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	removed := 0
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove upload failed", "path", f.path, "err", err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM uploaded_files WHERE id = ?`, f.id); err != nil {
			s.logger.Warn("delete upload record failed", "file_id", f.id, "err", err)
			continue
		}
		removed++
		// prune empty per-user directories
		_ = os.Remove(filepath.Dir(f.path))
	}
	return removed, nil
}
