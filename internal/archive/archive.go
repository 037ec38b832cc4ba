// Package archive packages batch artifacts into a single zip.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// ModTime is stamped on every entry so identical inputs produce identical
// archives.
var ModTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Entry is one file to include.
type Entry struct {
	Name     string
	Path     string
	Position int
}

// Summary describes a written archive.
type Summary struct {
	Files []string
	Bytes int64
}

// Build writes entries into dst as a Deflate zip ordered by Position.
// Colliding names become "name (n).ext".
func Build(ctx context.Context, dst io.Writer, entries []Entry) (Summary, error) {
	if len(entries) == 0 {
		return Summary{}, fmt.Errorf("archive needs at least one entry")
	}
	ordered := append([]Entry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	zw := zip.NewWriter(dst)
	var sum Summary
	used := make(map[string]struct{}, len(ordered))
	for _, e := range ordered {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return Summary{}, fmt.Errorf("build archive: %w", err)
		}
		name := uniqueName(sanitize(e.Name, e.Path), used)
		n, err := addFile(zw, name, e.Path)
		if err != nil {
			_ = zw.Close()
			return Summary{}, err
		}
		sum.Files = append(sum.Files, name)
		sum.Bytes += n
	}
	if err := zw.Close(); err != nil {
		return Summary{}, fmt.Errorf("close archive: %w", err)
	}
	return sum, nil
}

func addFile(zw *zip.Writer, name, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: ModTime})
	if err != nil {
		return 0, fmt.Errorf("add %s: %w", name, err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	return n, nil
}

func sanitize(name, src string) string {
	if name == "" {
		name = src
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "file"
	}
	return name
}

func uniqueName(name string, used map[string]struct{}) string {
	candidate := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		if _, taken := used[candidate]; !taken {
			used[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}
