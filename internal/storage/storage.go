// Package storage publishes a finished working directory and reports the public URLs.
package storage

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/transcode"
)

// Uploader publishes transcoder output under a job-scoped prefix.
type Uploader interface {
	Upload(ctx context.Context, out transcode.Output, jobID string) (models.MediaURLs, error)
}

// New picks the backend named by STORAGE_BACKEND.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case "", "s3":
		return NewS3Publisher(ctx, cfg)
	case "local":
		return NewLocalPublisher(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
}

type artifact struct {
	localPath string
	key       string
}

// collect walks the working directory and maps every file to its object key.
func collect(out transcode.Output, prefix, jobID string) ([]artifact, error) {
	if out.WorkingDir == "" {
		return nil, fmt.Errorf("empty working directory")
	}
	var files []artifact
	err := filepath.WalkDir(out.WorkingDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(out.WorkingDir, p)
		if err != nil {
			return err
		}
		files = append(files, artifact{localPath: p, key: objectKey(prefix, jobID, filepath.ToSlash(rel))})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", out.WorkingDir, err)
	}
	return files, nil
}

func objectKey(prefix, jobID, rel string) string {
	return path.Join(strings.Trim(prefix, "/"), jobID, rel)
}

func relKey(out transcode.Output, p string) (string, error) {
	rel, err := filepath.Rel(out.WorkingDir, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// urlsFor maps the manifest and thumbnail paths to public URLs. The HLS
// manifest doubles as the playable media URL.
func urlsFor(out transcode.Output, prefix, jobID string, public func(key string) string) (models.MediaURLs, error) {
	manifest, err := relKey(out, out.ManifestPath)
	if err != nil {
		return models.MediaURLs{}, err
	}
	thumb, err := relKey(out, out.ThumbnailPath)
	if err != nil {
		return models.MediaURLs{}, err
	}
	manifestURL := public(objectKey(prefix, jobID, manifest))
	return models.MediaURLs{
		MediaURL:       manifestURL,
		ThumbnailURL:   public(objectKey(prefix, jobID, thumb)),
		HLSManifestURL: manifestURL,
	}, nil
}
