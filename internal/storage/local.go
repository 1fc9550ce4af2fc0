package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/transcode"
)

// LocalPublisher copies artifacts into a directory served by something else (dev only).
type LocalPublisher struct {
	baseDir    string
	prefix     string
	publicBase string
}

func NewLocalPublisher(cfg config.Config) *LocalPublisher {
	baseDir := cfg.LocalOutputDir
	if baseDir == "" {
		baseDir = "./data/media"
	}
	return &LocalPublisher{
		baseDir:    baseDir,
		prefix:     cfg.S3Prefix,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

func (l *LocalPublisher) Upload(ctx context.Context, out transcode.Output, jobID string) (models.MediaURLs, error) {
	files, err := collect(out, l.prefix, jobID)
	if err != nil {
		return models.MediaURLs{}, models.NewJobError(models.KindUpload, "collect", err)
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return models.MediaURLs{}, models.NewJobError(models.KindUpload, "copy", err)
		}
		if err := copyFile(f.localPath, filepath.Join(l.baseDir, filepath.FromSlash(f.key))); err != nil {
			return models.MediaURLs{}, models.NewJobError(models.KindUpload, "copy", err)
		}
	}
	urls, err := urlsFor(out, l.prefix, jobID, l.publicURL)
	if err != nil {
		return models.MediaURLs{}, models.NewJobError(models.KindUpload, "urls", err)
	}
	return urls, nil
}

func (l *LocalPublisher) publicURL(key string) string {
	if l.publicBase != "" {
		return l.publicBase + "/" + key
	}
	abs, err := filepath.Abs(filepath.Join(l.baseDir, filepath.FromSlash(key)))
	if err != nil {
		abs = filepath.Join(l.baseDir, filepath.FromSlash(key))
	}
	return "file://" + filepath.ToSlash(abs)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}
