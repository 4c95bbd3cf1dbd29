// Copyright 2025 James Ross
package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// ExportFormat selects the tabular or structured rendering for Export.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// Export renders entries in the requested format, gzip-compressing the
// result when compress is true.
func Export(entries []Entry, format ExportFormat, compress bool) ([]byte, error) {
	var raw []byte
	var err error
	switch format {
	case FormatJSON:
		raw, err = exportJSON(entries)
	case FormatCSV:
		raw, err = exportCSV(entries)
	default:
		return nil, fmt.Errorf("audit: unknown export format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if !compress {
		return raw, nil
	}
	return gzipCompress(raw)
}

func exportJSON(entries []Entry) ([]byte, error) {
	return json.Marshal(entries)
}

func exportCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"sequence", "plugin", "action", "result", "reason", "timestamp"}); err != nil {
		return nil, err
	}
	for _, e := range entries {
		record := []string{
			fmt.Sprintf("%d", e.Sequence),
			e.Plugin,
			e.Action,
			string(e.Result),
			e.Reason,
			e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
