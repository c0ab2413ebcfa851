package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"feedagent/internal/models"
)

// FileArchiver writes digests under a base directory in YYYY/MM/DD folders.
type FileArchiver struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

func NewFile(dir string, logger zerolog.Logger) *FileArchiver {
	return &FileArchiver{
		dir:    dir,
		logger: logger.With().Str("component", "archive").Logger(),
		now:    time.Now,
	}
}

// Deliver writes the digest and returns the file path. The file appears
// atomically.
func (a *FileArchiver) Deliver(ctx context.Context, d models.DailyDigest, stats models.DigestStats) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := encode(d, stats, a.now())
	if err != nil {
		return "", err
	}

	target := filepath.Join(a.dir, filepath.FromSlash(ObjectName(d)))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".digest-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move archive file into place: %w", err)
	}

	a.logger.Info().Str("path", target).Int("bytes", len(data)).Msg("Digest archived")
	return target, nil
}
