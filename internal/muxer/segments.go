package muxer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	InitSegmentName = "init.mp4"
	listFileName    = "segments.ffconcat"
	listFileHeader  = "ffconcat version 1.0"
)

var segmentFilePattern = regexp.MustCompile(`^segment_(\d+)(\.[A-Za-z0-9]+)?$`)

type segmentFile struct {
	index int
	path  string
}

// SegmentFileName returns the on-disk name of the segment with the given
// ordinal index. The extension should include the leading dot.
func SegmentFileName(index int, ext string) string {
	return fmt.Sprintf("segment_%d%s", index, ext)
}

// collectSegments returns the segment files in the directory provided,
// ordered by their ordinal index (never by their filename).
func collectSegments(dir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSegments
		}

		return nil, fmt.Errorf("failed to read segment directory %s: %w", dir, err)
	}

	segments := make([]segmentFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		groups := segmentFilePattern.FindStringSubmatch(entry.Name())
		if groups == nil {
			continue
		}

		index, err := strconv.Atoi(groups[1])
		if err != nil {
			continue
		}

		segments = append(segments, segmentFile{index: index, path: filepath.Join(dir, entry.Name())})
	}

	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })
	return segments, nil
}

// writeConcatList writes an ffconcat list referencing every segment in
// order. Entries are relative to the list file's own directory, which
// must therefore be the directory containing the segments.
func writeConcatList(listPath string, segments []segmentFile) error {
	var b strings.Builder
	b.WriteString(listFileHeader + "\n")
	for _, s := range segments {
		name := filepath.Base(s.path)
		b.WriteString("file '" + strings.ReplaceAll(name, "'", `'\''`) + "'\n")
	}

	return os.WriteFile(listPath, []byte(b.String()), 0o644)
}

// concatenateFiles writes the content of each path provided, in
// order, in to the output path.
func concatenateFiles(outputPath string, paths ...string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}

	for _, p := range paths {
		if err := appendFile(out, p); err != nil {
			out.Close()
			os.Remove(outputPath)
			return err
		}
	}

	return out.Close()
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = io.Copy(w, in)
	return err
}

func segmentPaths(segments []segmentFile) []string {
	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}

	return paths
}
