// Package seed loads the initial records a run populates its store with.
package seed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loykin/evolset/internal/record"
)

// Format names a seed file encoding.
type Format string

const (
	FormatJSON  Format = "json"  // column document, the persisted form
	FormatJSONL Format = "jsonl" // one record object per line
	FormatYAML  Format = "yaml"  // list of record mappings
)

// Source produces the records to add to a store.
type Source interface {
	Load(ctx context.Context) ([]record.Record, error)
}

// Static is an in-memory source.
type Static []record.Record

func (s Static) Load(context.Context) ([]record.Record, error) {
	for i, r := range s {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("seed record %d: %w", i, err)
		}
	}
	return append([]record.Record(nil), s...), nil
}

// File reads records from Path. An empty Format is detected from the extension.
type File struct {
	Path   string
	Format Format
}

// DetectFormat maps a file extension to a Format.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("cannot detect seed format of %s", path)
}

func (f File) Load(ctx context.Context) ([]record.Record, error) {
	format := f.Format
	if format == "" {
		var err error
		if format, err = DetectFormat(f.Path); err != nil {
			return nil, err
		}
	}
	b, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var recs []record.Record
	switch format {
	case FormatJSON:
		recs, err = decodeDocument(b)
	case FormatJSONL:
		recs, err = decodeLines(ctx, bytes.NewReader(b))
	case FormatYAML:
		recs, err = decodeYAML(b)
	default:
		return nil, fmt.Errorf("unsupported seed format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", f.Path, err)
	}
	return recs, nil
}

func decodeDocument(b []byte) ([]record.Record, error) {
	doc, err := record.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return doc.Records()
}

func decodeLines(ctx context.Context, r io.Reader) ([]record.Record, error) {
	var out []record.Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.DisallowUnknownFields()
		var rec record.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeYAML(b []byte) ([]record.Record, error) {
	var out []record.Record
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	for i, r := range out {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return out, nil
}
