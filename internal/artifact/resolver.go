// Package artifact locates the media file a fetch attempt produced.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/provider"
)

// DefaultMinSize is the smallest file accepted as a real artifact.
const DefaultMinSize int64 = 100 << 10

var extensions = map[batch.MediaKind]map[string]struct{}{
	batch.KindVideo: {".mp4": {}, ".mkv": {}, ".webm": {}, ".mov": {}, ".m4v": {}, ".avi": {}, ".flv": {}},
	batch.KindAudio: {
		".mp3": {}, ".m4a": {}, ".aac": {}, ".opus": {}, ".ogg": {}, ".wav": {}, ".flac": {}, ".webm": {},
	},
}

var partialSuffixes = []string{".part", ".ytdl", ".tmp"}

// Artifact is a resolved output file.
type Artifact struct {
	Path    string
	Name    string
	Bytes   int64
	ModTime time.Time
}

// Resolver finds artifacts on disk.
type Resolver struct {
	MinSize int64
}

// NewResolver returns a Resolver; minSize <= 0 selects DefaultMinSize.
func NewResolver(minSize int64) *Resolver {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	return &Resolver{MinSize: minSize}
}

// Resolve prefers expectedPath when it qualifies, otherwise picks the newest,
// then largest, qualifying file in dir.
func (r *Resolver) Resolve(expectedPath, dir string, kind batch.MediaKind) (Artifact, error) {
	if expectedPath != "" && !isPartial(expectedPath) {
		if fi, err := os.Stat(expectedPath); err == nil && fi.Mode().IsRegular() && fi.Size() >= r.MinSize {
			return newArtifact(expectedPath, fi), nil
		}
	}

	allowed := extensions[kind]
	if allowed == nil {
		allowed = extensions[batch.KindVideo]
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return Artifact{}, fmt.Errorf("read artifact dir %s: %w", dir, err)
	}

	var candidates []Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() || isPartial(e.Name()) {
			continue
		}
		if _, ok := allowed[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.Size() < r.MinSize {
			continue
		}
		candidates = append(candidates, newArtifact(filepath.Join(dir, e.Name()), fi))
	}
	if len(candidates) == 0 {
		return Artifact{}, &provider.FetchError{Kind: provider.KindDownloadFailed, Message: "output file not found"}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].ModTime.Equal(candidates[j].ModTime) {
			return candidates[i].ModTime.After(candidates[j].ModTime)
		}
		return candidates[i].Bytes > candidates[j].Bytes
	})
	return candidates[0], nil
}

func newArtifact(path string, fi os.FileInfo) Artifact {
	return Artifact{Path: path, Name: filepath.Base(path), Bytes: fi.Size(), ModTime: fi.ModTime()}
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
