// Package export writes tables and model directories to files that the HTTP
// layer streams back to clients.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/parquet-go/parquet-go"

	"active-tagger/internal/apperr"
)

// Format is an export file format
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatArchive Format = "archive"
)

// Record is a row that can be written as CSV
type Record interface {
	CSVRow() []string
}

// ParseTableFormat validates a tabular export format
func ParseTableFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatCSV, FormatParquet:
		return f, nil
	}
	return "", apperr.InvalidInput.New("unsupported export format %q", s)
}

// File is an export written on the project filesystem
type File struct {
	Name string
	Path string
}

// Table writes rows under dir as name.<format>
func Table[T Record](fsys hackpadfs.FS, dir, name string, format Format, header []string, rows []T) (File, error) {
	var buf bytes.Buffer
	switch format {
	case FormatCSV:
		w := csv.NewWriter(&buf)
		if err := w.Write(header); err != nil {
			return File{}, fmt.Errorf("failed to write csv header: %w", err)
		}
		for _, r := range rows {
			if err := w.Write(r.CSVRow()); err != nil {
				return File{}, fmt.Errorf("failed to write csv row: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return File{}, fmt.Errorf("failed to flush csv: %w", err)
		}
	case FormatParquet:
		if err := parquet.Write(&buf, rows); err != nil {
			return File{}, fmt.Errorf("failed to write parquet: %w", err)
		}
	default:
		return File{}, apperr.InvalidInput.New("unsupported export format %q", format)
	}
	return write(fsys, dir, name+"."+string(format), buf.Bytes())
}

// Archive packs the directory src of fsys into dir/name.tar.gz
func Archive(fsys hackpadfs.FS, src, dir, name string) (File, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := fs.WalkDir(fsys, src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, src), "/")
		if rel == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(name, rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		hdr.ModTime = info.ModTime().UTC().Truncate(time.Second)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := fsys.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return File{}, fmt.Errorf("failed to archive %s: %w", src, err)
	}
	if err := tw.Close(); err != nil {
		return File{}, fmt.Errorf("failed to close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return File{}, fmt.Errorf("failed to close gzip stream: %w", err)
	}
	return write(fsys, dir, name+".tar.gz", buf.Bytes())
}

func write(fsys hackpadfs.FS, dir, file string, data []byte) (File, error) {
	if err := hackpadfs.MkdirAll(fsys, dir, 0o755); err != nil {
		return File{}, fmt.Errorf("failed to create export directory: %w", err)
	}
	p := path.Join(dir, file)
	if err := hackpadfs.WriteFullFile(fsys, p, data, 0o644); err != nil {
		return File{}, fmt.Errorf("failed to write export %s: %w", file, err)
	}
	return File{Name: file, Path: p}, nil
}
