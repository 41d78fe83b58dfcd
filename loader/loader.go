// Package loader implements the Document Loader (§4.2): a recursive
// filesystem walk that classifies files by extension, expands CSV rows into
// synthetic documents, and opens archives as a virtual filesystem so their
// members are processed the same way as files on disk.
package loader

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Document is a normalized record emitted by the loader. For on-disk files,
// Path points at the real file and parsing happens there. For archive
// members and CSV rows, Text carries the fully-resolved content directly —
// there is no backing file on disk to parse a second time.
type Document struct {
	// Path is either the original file's path or, for archive members that
	// need a real file to hand to a format-specific parser, a temporary
	// file holding the extracted bytes.
	Path string
	// VirtualPath is the identity the orchestrator hashes and records in
	// ProcessedFile: "<archive>!/<internal>" for archive members, the plain
	// path (optionally with a #row suffix) otherwise.
	VirtualPath string
	// Format is the lowercased extension used to pick a parser.
	Format string
	// Text holds ready-to-index content for documents that don't need a
	// parser (CSV rows). Inline is true when Text should be used as-is.
	Text   string
	Inline bool

	SourceArchive       string
	ArchiveInternalPath string
}

// ArchiveError reports that an archive could not be opened or a member
// inside it could not be read. loader defines its own error type (rather
// than depending on the caller's sentinel errors) so it has no import-cycle
// dependency on the orchestrator package; callers translate it via errors.As.
type ArchiveError struct {
	Archive string
	Err     error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("loader: archive %q: %v", e.Archive, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// recognizedFormats are extensions handed to an external reader (the parser
// package's registry); anything else is skipped. Kept in sync with the
// formats parser.NewRegistry knows how to handle.
var recognizedFormats = map[string]bool{
	"pdf": true, "docx": true, "xlsx": true, "pptx": true,
	"txt": true, "doc": true, "xls": true, "ppt": true,
}

// Walk recursively enumerates root, applying ignorePatterns (glob, matched
// against the full path, the basename, and every path component) and
// classifying files as described in §4.2. Archive and CSV member discovery
// happens inline, so the returned slice already reflects every Document the
// Ingestion Orchestrator needs to process.
func Walk(root string, ignorePatterns []string) ([]Document, error) {
	var docs []Document

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && matchIgnore(path, ignorePatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if matchIgnore(path, ignorePatterns) {
			return nil
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		switch {
		case ext == "csv":
			rows, rerr := loadCSVRows(path, "", "")
			if rerr != nil {
				return fmt.Errorf("reading csv %s: %w", path, rerr)
			}
			docs = append(docs, rows...)
		case isArchiveFile(path):
			inner, aerr := walkArchive(path, ignorePatterns)
			if aerr != nil {
				return &ArchiveError{Archive: path, Err: aerr}
			}
			docs = append(docs, inner...)
		case recognizedFormats[ext]:
			docs = append(docs, Document{Path: path, VirtualPath: path, Format: ext})
		}
		return nil
	})
	if err != nil {
		return docs, err
	}
	return docs, nil
}

// matchIgnore reports whether path should be excluded: a pattern may match
// the full path, the basename, or any single path component (so ".git"
// excludes the directory wherever it appears, without needing "**" globs).
func matchIgnore(path string, patterns []string) bool {
	base := filepath.Base(path)
	parts := strings.Split(filepath.ToSlash(path), "/")
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		for _, part := range parts {
			if ok, _ := filepath.Match(p, part); ok {
				return true
			}
		}
	}
	return false
}

func isArchiveFile(path string) bool {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"),
		strings.HasSuffix(lower, ".tar"),
		strings.HasSuffix(lower, ".tar.gz"),
		strings.HasSuffix(lower, ".tgz"),
		strings.HasSuffix(lower, ".tar.bz2"):
		return true
	default:
		return false
	}
}

// loadCSVRows expands a CSV file row-by-row into one Document per row, with
// text "col1: v1, col2: v2, ...". archive/internal are set when the CSV
// itself came from inside an archive.
func loadCSVRows(path, archive, internal string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return csvRowsFromReader(f, path, archive, internal)
}

func csvRowsFromReader(r io.Reader, displayPath, archive, internal string) ([]Document, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var docs []Document
	row := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row++

		var b strings.Builder
		for i, v := range record {
			if i > 0 {
				b.WriteString(", ")
			}
			col := fmt.Sprintf("col%d", i+1)
			if i < len(header) && header[i] != "" {
				col = header[i]
			}
			fmt.Fprintf(&b, "%s: %s", col, v)
		}

		vpath := fmt.Sprintf("%s#row%d", displayPath, row)
		docs = append(docs, Document{
			VirtualPath:         vpath,
			Format:              "csv-row",
			Text:                b.String(),
			Inline:              true,
			SourceArchive:       archive,
			ArchiveInternalPath: internal,
		})
	}
	return docs, nil
}

// walkArchive opens a zip or tar-family archive and classifies its members
// the same way Walk classifies on-disk files. Recognized binary formats are
// extracted to a temp file so the existing single-file parsers can read them;
// CSV members are expanded in place; unrecognized members are skipped.
func walkArchive(path string, ignorePatterns []string) ([]Document, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return walkZip(path, ignorePatterns)
	default:
		return walkTar(path, ignorePatterns)
	}
}

func walkZip(path string, ignorePatterns []string) ([]Document, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var docs []Document
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || matchIgnore(f.Name, ignorePatterns) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening member %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading member %s: %w", f.Name, err)
		}
		entries, err := classifyArchiveMember(path, f.Name, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, entries...)
	}
	return docs, nil
}

func walkTar(path string, ignorePatterns []string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".tgz") {
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gzr.Close()
		r = gzr
	} else if strings.HasSuffix(lower, ".bz2") {
		r = bzip2.NewReader(f)
	}

	tr := tar.NewReader(r)
	var docs []Document
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg || matchIgnore(hdr.Name, ignorePatterns) {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading member %s: %w", hdr.Name, err)
		}
		entries, err := classifyArchiveMember(path, hdr.Name, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, entries...)
	}
	return docs, nil
}

// classifyArchiveMember applies the same extension-based classification as
// Walk to a single archive member held fully in memory.
func classifyArchiveMember(archivePath, internalPath string, data []byte) ([]Document, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(internalPath), "."))
	virtual := archivePath + "!/" + internalPath

	switch {
	case ext == "csv":
		rows, err := csvRowsFromReader(bytes.NewReader(data), virtual, archivePath, internalPath)
		if err != nil {
			return nil, fmt.Errorf("reading csv member %s: %w", internalPath, err)
		}
		return rows, nil
	case recognizedFormats[ext]:
		tmp, err := writeTemp(data, ext)
		if err != nil {
			return nil, fmt.Errorf("extracting member %s: %w", internalPath, err)
		}
		return []Document{{
			Path:                tmp,
			VirtualPath:         virtual,
			Format:              ext,
			SourceArchive:       archivePath,
			ArchiveInternalPath: internalPath,
		}}, nil
	default:
		return nil, nil
	}
}

// writeTemp persists archive member bytes to a temp file so the existing
// path-based parsers can read them like any on-disk document.
func writeTemp(data []byte, ext string) (string, error) {
	f, err := os.CreateTemp("", "loader-*."+ext)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
