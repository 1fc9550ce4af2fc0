package transcode

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProbeInfo is the subset of ffprobe output used to validate a source.
type ProbeInfo struct {
	Width    int
	Height   int
	Duration time.Duration
	Size     int64
}

// parseProbe reads ffprobe's default=noprint_wrappers=1 key=value output.
func parseProbe(out []byte) ProbeInfo {
	var info ProbeInfo
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "width":
			if w, err := strconv.Atoi(value); err == nil {
				info.Width = w
			}
		case "height":
			if h, err := strconv.Atoi(value); err == nil {
				info.Height = h
			}
		case "duration":
			// stream and format both report duration; keep the first usable one
			if d, err := strconv.ParseFloat(value, 64); err == nil && info.Duration == 0 {
				info.Duration = time.Duration(d * float64(time.Second))
			}
		case "size":
			if s, err := strconv.ParseInt(value, 10, 64); err == nil {
				info.Size = s
			}
		}
	}
	return info
}

// Limits bound what the engine accepts.
type Limits struct {
	MaxBytes    int64
	MinDuration time.Duration
	MaxDuration time.Duration
}

func (l Limits) check(info ProbeInfo) error {
	if info.Width <= 0 || info.Height <= 0 {
		return fmt.Errorf("no video stream found")
	}
	if l.MaxBytes > 0 && info.Size > l.MaxBytes {
		return fmt.Errorf("source is %d bytes, limit is %d", info.Size, l.MaxBytes)
	}
	if info.Duration <= 0 {
		return fmt.Errorf("unknown duration")
	}
	if l.MinDuration > 0 && info.Duration < l.MinDuration {
		return fmt.Errorf("duration %s is shorter than %s", info.Duration, l.MinDuration)
	}
	if l.MaxDuration > 0 && info.Duration > l.MaxDuration {
		return fmt.Errorf("duration %s is longer than %s", info.Duration, l.MaxDuration)
	}
	return nil
}
