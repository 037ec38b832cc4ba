package provider

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/batchd/internal/batch"
)

var audioCodecs = map[string]struct{}{
	"mp3": {}, "m4a": {}, "aac": {}, "opus": {}, "vorbis": {}, "wav": {}, "flac": {},
}

var videoContainers = map[string]struct{}{
	"mp4": {}, "mkv": {}, "webm": {}, "mov": {}, "avi": {}, "flv": {},
}

// FormatArgs returns the format-selection arguments for a download.
func FormatArgs(opts DownloadOptions, audioOnly bool) []string {
	hint := strings.ToLower(strings.TrimSpace(opts.FormatHint))
	if audioOnly || opts.Kind == batch.KindAudio {
		codec := hint
		if codec == "ogg" {
			codec = "vorbis"
		}
		if _, ok := audioCodecs[codec]; !ok {
			codec = "best"
		}
		return []string{"-f", "ba/b", "-x", "--audio-format", codec}
	}
	args := []string{"-f", videoSelector(opts.QualityHint)}
	if _, ok := videoContainers[hint]; ok {
		args = append(args, "--merge-output-format", hint)
	}
	return args
}

func videoSelector(quality string) string {
	q := strings.ToLower(strings.TrimSpace(quality))
	if q == "worst" {
		return "wv*+wa/w"
	}
	h, err := QualityHeight(q)
	if err != nil || h == math.MaxInt {
		return "bv*+ba/b"
	}
	return fmt.Sprintf("bv*[height<=%d]+ba/b[height<=%d]", h, h)
}

// QualityHeight maps a quality label ("720p", "1080", "4k", "best") to a
// maximum frame height. Empty and "best" are unbounded.
func QualityHeight(quality string) (int, error) {
	q := strings.ToLower(strings.TrimSpace(quality))
	switch q {
	case "", "best":
		return math.MaxInt, nil
	case "worst":
		return 0, nil
	case "4k", "uhd":
		return 2160, nil
	case "8k":
		return 4320, nil
	}
	n, err := strconv.Atoi(strings.TrimSuffix(q, "p"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unknown quality %q", quality)
	}
	return n, nil
}
