package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/transcode"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	failKey string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if key == f.failKey {
		return nil, errors.New("503 slow down")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string]string{}
		f.types = map[string]string{}
	}
	f.objects[key] = string(body)
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func writeOutput(t *testing.T) transcode.Output {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"manifest.m3u8":      "#EXTM3U\n",
		"thumbnail.jpg":      "jpg",
		"360p/360p.m3u8":     "#EXTM3U\n",
		"360p/360p_000.ts":   "ts",
		"1080p/1080p.m3u8":   "#EXTM3U\n",
		"1080p/1080p_000.ts": "ts",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return transcode.Output{
		WorkingDir:    dir,
		ManifestPath:  filepath.Join(dir, "manifest.m3u8"),
		ThumbnailPath: filepath.Join(dir, "thumbnail.jpg"),
	}
}

func TestS3PublisherUploadsTree(t *testing.T) {
	putter := &fakePutter{}
	pub := newS3Publisher(putter, config.Config{S3Bucket: "media", S3Region: "us-east-1", S3Prefix: "hls", PublicBaseURL: "https://cdn.example.com/"})

	urls, err := pub.Upload(context.Background(), writeOutput(t), "job-1")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	keys := make([]string, 0, len(putter.objects))
	for k := range putter.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{
		"hls/job-1/1080p/1080p.m3u8",
		"hls/job-1/1080p/1080p_000.ts",
		"hls/job-1/360p/360p.m3u8",
		"hls/job-1/360p/360p_000.ts",
		"hls/job-1/manifest.m3u8",
		"hls/job-1/thumbnail.jpg",
	}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
	if putter.types["hls/job-1/360p/360p_000.ts"] != "video/mp2t" || putter.types["hls/job-1/manifest.m3u8"] != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected content types %v", putter.types)
	}

	wantURLs := models.MediaURLs{
		MediaURL:       "https://cdn.example.com/hls/job-1/manifest.m3u8",
		ThumbnailURL:   "https://cdn.example.com/hls/job-1/thumbnail.jpg",
		HLSManifestURL: "https://cdn.example.com/hls/job-1/manifest.m3u8",
	}
	if urls != wantURLs {
		t.Fatalf("urls = %+v", urls)
	}
}

func TestS3PublisherFailureIsUploadKind(t *testing.T) {
	putter := &fakePutter{failKey: "hls/job-1/thumbnail.jpg"}
	pub := newS3Publisher(putter, config.Config{S3Bucket: "media", S3Prefix: "hls"})

	_, err := pub.Upload(context.Background(), writeOutput(t), "job-1")
	if models.KindOf(err) != models.KindUpload {
		t.Fatalf("expected upload kind, got %v", err)
	}
}

func TestS3PublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"aws", config.Config{S3Bucket: "b", S3Region: "eu-west-1"}, "https://b.s3.eu-west-1.amazonaws.com/k"},
		{"path style", config.Config{S3Bucket: "b", S3Endpoint: "http://minio:9000/", S3PathStyle: true}, "http://minio:9000/b/k"},
		{"public base", config.Config{S3Bucket: "b", PublicBaseURL: "https://cdn"}, "https://cdn/k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newS3Publisher(nil, tt.cfg).publicURL("k"); got != tt.want {
				t.Fatalf("publicURL = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLocalPublisherCopiesFiles(t *testing.T) {
	dest := t.TempDir()
	pub := NewLocalPublisher(config.Config{LocalOutputDir: dest, S3Prefix: "hls", PublicBaseURL: "http://localhost:8081/media"})

	urls, err := pub.Upload(context.Background(), writeOutput(t), "job-2")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if urls.ThumbnailURL != "http://localhost:8081/media/hls/job-2/thumbnail.jpg" {
		t.Fatalf("thumbnail url = %s", urls.ThumbnailURL)
	}
	if _, err := os.Stat(filepath.Join(dest, "hls", "job-2", "360p", "360p_000.ts")); err != nil {
		t.Fatalf("segment not copied: %v", err)
	}
}
