// Package transcode turns a source video into an HLS ladder plus a thumbnail
// inside a working directory owned by the caller.
package transcode

import (
	"context"
	"fmt"
	"strings"
)

// Request names the source to fetch and the directory the engine may write into.
type Request struct {
	JobID      string
	SourceURL  string
	WorkingDir string
}

// Output describes the artifacts left in WorkingDir.
type Output struct {
	WorkingDir    string
	ManifestPath  string
	ThumbnailPath string
	Renditions    []Rendition
	Probe         ProbeInfo
}

// Engine produces HLS artifacts for one source.
type Engine interface {
	Process(ctx context.Context, req Request) (Output, error)
}

// Rendition is one rung of the adaptive ladder.
type Rendition struct {
	Name      string
	Width     int
	Height    int
	CRF       int
	Bandwidth int
}

// DefaultLadder is portrait-first: 9:16 output at three qualities.
var DefaultLadder = []Rendition{
	{Name: "360p", Width: 360, Height: 640, CRF: 28, Bandwidth: 800000},
	{Name: "720p", Width: 720, Height: 1280, CRF: 24, Bandwidth: 2500000},
	{Name: "1080p", Width: 1080, Height: 1920, CRF: 21, Bandwidth: 5000000},
}

// MasterPlaylist renders the top-level manifest that points at each rendition playlist.
func MasterPlaylist(ladder []Rendition) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, r := range ladder {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=%q\n", r.Bandwidth, r.Width, r.Height, r.Name)
		fmt.Fprintf(&b, "%s/%s.m3u8\n", r.Name, r.Name)
	}
	return b.String()
}
