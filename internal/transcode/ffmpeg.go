package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
)

const (
	sourceName    = "source"
	frameName     = "frame.png"
	manifestName  = "manifest.m3u8"
	thumbnailName = "thumbnail.jpg"
)

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpeg drives the ffmpeg/ffprobe binaries.
type FFmpeg struct {
	ffmpeg         string
	ffprobe        string
	limits         Limits
	segmentSeconds int
	thumbWidth     int
	ladder         []Rendition
	httpClient     *http.Client
	run            commandRunner
	log            *slog.Logger
}

// NewFFmpeg builds an engine from configuration.
func NewFFmpeg(cfg config.Config, log *slog.Logger) *FFmpeg {
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	segment := cfg.SegmentSeconds
	if segment <= 0 {
		segment = 4
	}
	width := cfg.ThumbnailWidth
	if width <= 0 {
		width = 384
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{
		ffmpeg:  firstNonEmpty(cfg.FFmpegPath, "ffmpeg"),
		ffprobe: firstNonEmpty(cfg.FFprobePath, "ffprobe"),
		limits: Limits{
			MaxBytes:    cfg.SourceMaxBytes,
			MinDuration: cfg.SourceMinDuration,
			MaxDuration: cfg.SourceMaxDuration,
		},
		segmentSeconds: segment,
		thumbWidth:     width,
		ladder:         DefaultLadder,
		httpClient:     &http.Client{Timeout: timeout},
		run:            execRunner{},
		log:            log,
	}
}

// Process downloads, validates and transcodes req.SourceURL into req.WorkingDir.
// The downloaded source is removed before returning so only publishable files remain.
func (f *FFmpeg) Process(ctx context.Context, req Request) (Output, error) {
	if req.WorkingDir == "" {
		return Output{}, models.NewJobError(models.KindEngine, "prepare", errors.New("working directory is required"))
	}
	if err := os.MkdirAll(req.WorkingDir, 0o755); err != nil {
		return Output{}, models.NewJobError(models.KindInfrastructure, "prepare", err)
	}
	log := f.log.With("job_id", req.JobID)

	src := filepath.Join(req.WorkingDir, sourceName)
	written, err := f.download(ctx, req.SourceURL, src)
	if err != nil {
		return Output{}, err
	}
	defer os.Remove(src)
	log.Debug("source downloaded", "bytes", written)

	info, err := f.probe(ctx, src)
	if err != nil {
		return Output{}, err
	}
	if info.Size == 0 {
		info.Size = written
	}
	if err := f.limits.check(info); err != nil {
		return Output{}, models.NewJobError(models.KindContent, "validate", err)
	}

	for _, r := range f.ladder {
		start := time.Now()
		if err := f.renderRung(ctx, src, req.WorkingDir, r); err != nil {
			return Output{}, err
		}
		log.Debug("rendition ready", "rendition", r.Name, "took", time.Since(start))
	}

	manifest := filepath.Join(req.WorkingDir, manifestName)
	if err := os.WriteFile(manifest, []byte(MasterPlaylist(f.ladder)), 0o644); err != nil {
		return Output{}, models.NewJobError(models.KindEngine, "write manifest", err)
	}

	thumb, err := f.thumbnail(ctx, src, req.WorkingDir)
	if err != nil {
		return Output{}, err
	}

	return Output{
		WorkingDir:    req.WorkingDir,
		ManifestPath:  manifest,
		ThumbnailPath: thumb,
		Renditions:    append([]Rendition(nil), f.ladder...),
		Probe:         info,
	}, nil
}

func (f *FFmpeg) download(ctx context.Context, url, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, models.NewJobError(models.KindContent, "download", fmt.Errorf("build request: %w", err))
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, models.NewJobError(models.KindEngine, "download", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return 0, models.NewJobError(models.KindEngine, "download", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return 0, models.NewJobError(models.KindContent, "download", fmt.Errorf("status %d", resp.StatusCode))
	}

	limit := f.limits.MaxBytes
	if limit > 0 && resp.ContentLength > limit {
		return 0, models.NewJobError(models.KindContent, "download", fmt.Errorf("source too large (%d > %d bytes)", resp.ContentLength, limit))
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, models.NewJobError(models.KindInfrastructure, "download", err)
	}
	defer out.Close()

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	n, err := io.Copy(out, body)
	if err != nil {
		return n, models.NewJobError(models.KindEngine, "download", fmt.Errorf("read source: %w", err))
	}
	if limit > 0 && n > limit {
		return n, models.NewJobError(models.KindContent, "download", fmt.Errorf("source too large (>%d bytes)", limit))
	}
	return n, nil
}

func (f *FFmpeg) probe(ctx context.Context, src string) (ProbeInfo, error) {
	out, err := f.run.Run(ctx, f.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration",
		"-show_entries", "format=duration,size",
		"-of", "default=noprint_wrappers=1",
		src,
	)
	if err != nil {
		if ctx.Err() != nil {
			return ProbeInfo{}, models.NewJobError(models.KindEngine, "probe", ctx.Err())
		}
		return ProbeInfo{}, models.NewJobError(models.KindContent, "probe", fmt.Errorf("%w: %s", err, truncate(out)))
	}
	return parseProbe(out), nil
}

func (f *FFmpeg) renderRung(ctx context.Context, src, dir string, r Rendition) error {
	outDir := filepath.Join(dir, r.Name)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return models.NewJobError(models.KindInfrastructure, "transcode", err)
	}
	out, err := f.run.Run(ctx, f.ffmpeg,
		"-y",
		"-i", src,
		"-c:v", "libx264",
		"-crf", strconv.Itoa(r.CRF),
		"-preset", "veryfast",
		"-vf", fmt.Sprintf("scale=-2:%d", r.Height),
		"-c:a", "aac",
		"-b:a", "128k",
		"-hls_time", strconv.Itoa(f.segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, r.Name+"_%03d.ts"),
		filepath.Join(outDir, r.Name+".m3u8"),
	)
	if err != nil {
		return models.NewJobError(models.KindEngine, "transcode "+r.Name, fmt.Errorf("%w: %s", err, truncate(out)))
	}
	return nil
}

// thumbnail grabs a frame one second in and scales it to the configured width.
func (f *FFmpeg) thumbnail(ctx context.Context, src, dir string) (string, error) {
	frame := filepath.Join(dir, frameName)
	defer os.Remove(frame)
	out, err := f.run.Run(ctx, f.ffmpeg,
		"-y",
		"-ss", "1",
		"-i", src,
		"-frames:v", "1",
		frame,
	)
	if err != nil {
		return "", models.NewJobError(models.KindEngine, "thumbnail", fmt.Errorf("%w: %s", err, truncate(out)))
	}

	img, err := imaging.Open(frame)
	if err != nil {
		return "", models.NewJobError(models.KindEngine, "thumbnail", fmt.Errorf("decode frame: %w", err))
	}
	img = imaging.Resize(img, f.thumbWidth, 0, imaging.Lanczos)

	thumb := filepath.Join(dir, thumbnailName)
	if err := imaging.Save(img, thumb, imaging.JPEGQuality(85)); err != nil {
		return "", models.NewJobError(models.KindEngine, "thumbnail", fmt.Errorf("encode thumbnail: %w", err))
	}
	return thumb, nil
}

func truncate(out []byte) string {
	const max = 512
	if len(out) > max {
		return string(out[len(out)-max:])
	}
	return string(out)
}

func firstNonEmpty(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
