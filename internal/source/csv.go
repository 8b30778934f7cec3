package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// CSVColumns is the expected header. Extra columns become metadata.
var CSVColumns = []string{"id", "author", "title", "community", "created_utc", "url"}

// CSV reads posts from a file with a header row. Several rows may share an
// id; the url column may hold more than one whitespace-separated address.
type CSV struct {
	alias string
	path  string
	strip bool
	open  func() (io.ReadCloser, error)
}

// NewCSV reads path when enumerated.
func NewCSV(alias, path string, stripQuery bool) *CSV {
	if alias == "" {
		alias = "csv"
	}
	return &CSV{
		alias: alias,
		path:  path,
		strip: stripQuery,
		open:  func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Alias names the source.
func (c *CSV) Alias() string { return c.alias }

// Elements yields one element per data row.
func (c *CSV) Elements(ctx context.Context) iter.Seq2[harvest.Element, error] {
	return func(yield func(harvest.Element, error) bool) {
		f, err := c.open()
		if err != nil {
			yield(harvest.Element{}, fmt.Errorf("open csv %s: %w", c.path, err))
			return
		}
		defer f.Close()
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true

		header, err := r.Read()
		if err != nil {
			yield(harvest.Element{}, fmt.Errorf("read csv header %s: %w", c.path, err))
			return
		}
		cols := make(map[string]int, len(header))
		for i, name := range header {
			cols[strings.ToLower(strings.TrimSpace(name))] = i
		}
		for _, required := range []string{"id", "url"} {
			if _, ok := cols[required]; !ok {
				yield(harvest.Element{}, fmt.Errorf("csv %s: missing %q column", c.path, required))
				return
			}
		}

		line := 1
		for !stopped(ctx) {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			line++
			if err != nil {
				yield(harvest.Element{}, fmt.Errorf("read csv %s line %d: %w", c.path, line, err))
				return
			}
			el, err := c.element(cols, record)
			if err != nil {
				yield(harvest.Element{}, fmt.Errorf("csv %s line %d: %w", c.path, line, err))
				return
			}
			if !yield(el, nil) {
				return
			}
		}
	}
}

func (c *CSV) element(cols map[string]int, record []string) (harvest.Element, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	el := harvest.Element{
		SourceID:  field("id"),
		Author:    field("author"),
		Title:     field("title"),
		Community: field("community"),
		URLs:      cleanURLs(strings.Fields(field("url")), c.strip),
	}
	if raw := field("created_utc"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return harvest.Element{}, err
		}
		el.CreatedAt = ts
	}
	known := make(map[string]struct{}, len(CSVColumns))
	for _, name := range CSVColumns {
		known[name] = struct{}{}
	}
	for name, i := range cols {
		if _, ok := known[name]; ok || i >= len(record) || record[i] == "" {
			continue
		}
		if el.Metadata == nil {
			el.Metadata = make(map[string]string)
		}
		el.Metadata[name] = record[i]
	}
	return el, nil
}

// parseTimestamp accepts unix seconds, possibly fractional, or RFC 3339.
func parseTimestamp(raw string) (time.Time, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(int64(secs), 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("created_utc %q is neither unix seconds nor RFC 3339", raw)
	}
	return ts.UTC(), nil
}
