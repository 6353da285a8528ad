// Package descriptor reads and writes the small key-value files that let a
// transfer resume across restarts.
//
// A descriptor is UTF-8 text:
//
//	[Download]
//	Source=http://example.com/f.bin
//	Destination=/tmp/f.bin
//	Size=1000
//	Completed=400
//
// Values are not escaped. A value may not contain a newline; keys never contain
// '=', so a value may (URLs with query strings do).
package descriptor

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	section = "[Download]"
	dirPerm = 0o755
	// FilePerm is the mode descriptor files are written with.
	FilePerm = 0o644
)

var (
	ErrMissingSection = errors.New("descriptor: missing [Download] section")
	ErrInvalidValue   = errors.New("descriptor: value contains a newline")

	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Record is the persisted state of one transfer.
type Record struct {
	Source      string
	Destination string
	Size        int64
	Completed   int64
}

// Encode writes r in descriptor format.
func Encode(w io.Writer, r Record) error {
	for _, v := range []string{r.Source, r.Destination} {
		if strings.ContainsAny(v, "\r\n") {
			return ErrInvalidValue
		}
	}

	_, err := fmt.Fprintf(w, "%s\nSource=%s\nDestination=%s\nSize=%d\nCompleted=%d\n",
		section, r.Source, r.Destination, r.Size, r.Completed)

	return err
}

// Decode parses a descriptor. Unknown keys are ignored; Size defaults to -1.
func Decode(rd io.Reader) (Record, error) {
	rec := Record{Size: -1}
	seenSection := false

	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			seenSection = line == section
			continue
		}

		if !seenSection {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		var err error

		switch strings.TrimSpace(key) {
		case "Source":
			rec.Source = value
		case "Destination":
			rec.Destination = value
		case "Size":
			rec.Size, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		case "Completed":
			rec.Completed, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		}

		if err != nil {
			return Record{}, fmt.Errorf("descriptor: invalid %s: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("descriptor: read failed: %w", err)
	}

	if rec.Source == "" {
		return Record{}, ErrMissingSection
	}

	return rec, nil
}

// FileName derives the descriptor file name for source: a slug of the URL's final
// segment plus a short hash of the whole URL, with ext appended.
func FileName(source, ext string) string {
	segment := source
	if i := strings.LastIndex(strings.TrimRight(source, "/"), "/"); i >= 0 {
		segment = strings.TrimRight(source, "/")[i+1:]
	}

	slug := strings.Trim(unsafeChars.ReplaceAllString(segment, "_"), "_.")
	if len(slug) > 64 {
		slug = slug[:64]
	}

	hash := sha1.Sum([]byte(source))
	hashStr := hex.EncodeToString(hash[:])[:12]

	if slug == "" {
		return hashStr + ext
	}

	return slug + "-" + hashStr + ext
}

// Write stores r under dir, named from r.Source and ext, and returns the path.
// The file is written to a temporary name and renamed into place.
func Write(dir, ext string, r Record) (string, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create descriptor directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return "", err
	}

	path := filepath.Join(dir, FileName(r.Source, ext))
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, buf.Bytes(), FilePerm); err != nil {
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return "", fmt.Errorf("failed to move descriptor into place: %w", err)
	}

	return path, nil
}

// Read parses the descriptor at path.
func Read(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()

	rec, err := Decode(f)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", path, err)
	}

	return rec, nil
}

// Remove deletes the descriptor written for source with ext. A missing file is not an error.
func Remove(dir, source, ext string) error {
	err := os.Remove(filepath.Join(dir, FileName(source, ext)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// Entry is one descriptor file found by Scan.
type Entry struct {
	Path string
	Ext  string
}

// Scan lists the regular files in dir sorted by name. A missing dir yields no entries.
func Scan(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read descriptor directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))

	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}

		entries = append(entries, Entry{
			Path: filepath.Join(dir, de.Name()),
			Ext:  filepath.Ext(de.Name()),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return entries, nil
}
