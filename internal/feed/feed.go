// Package feed reads vendor CSV feeds into datasets and writes scored
// CSV artifacts.
package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Decode reads a CSV feed. The first row is the header; cells are kept
// verbatim. Ragged rows are tolerated: short rows pad with empty
// strings, surplus cells are dropped.
func Decode(r io.Reader) (*domain.Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty feed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	ds := &domain.Dataset{Columns: columns}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(ds.Records)+2, err)
		}

		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(row) {
				fields[col] = row[i]
			} else {
				fields[col] = ""
			}
		}
		ds.Records = append(ds.Records, domain.Record{Fields: fields})
	}

	return ds, nil
}

// DecodeFile reads a CSV feed from disk.
func DecodeFile(path string) (*domain.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// Encode writes a scored dataset as CSV: the canonical column order
// first, then any pass-through columns in their input order.
func Encode(w io.Writer, ds *domain.Dataset) error {
	header := append([]string(nil), domain.RequiredHeaders...)
	seen := make(map[string]bool, len(header))
	for _, c := range header {
		seen[c] = true
	}
	for _, c := range ds.Columns {
		if !seen[c] {
			header = append(header, c)
			seen[c] = true
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	row := make([]string, len(header))
	for i := range ds.Records {
		for j, col := range header {
			row[j] = ds.Records[i].Field(col)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ScoredName derives the artifact file name for a source feed.
func ScoredName(sourceName string) string {
	base := filepath.Base(sourceName)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "_scored.csv"
}

// WriteScored writes the scored CSV artifact into dir and returns its
// path.
func WriteScored(dir, sourceName string, ds *domain.Dataset) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	path := filepath.Join(dir, ScoredName(sourceName))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}

	if err := Encode(f, ds); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	return path, nil
}
