package fetcher

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// decodeCSV turns a CSV document with a header row into a JSON array of
// header-keyed objects, one per row.
func decodeCSV(ctx context.Context, body []byte, limit int) (json.RawMessage, []string, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return json.RawMessage("[]"), []string{FlagEmpty}, nil
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "csv: read header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rows := []map[string]string{}
	var flags []string
	for {
		if ctx.Err() != nil {
			return nil, nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, eris.Wrap(err, "csv: read row")
		}
		if limit > 0 && len(rows) == limit {
			flags = append(flags, FlagTruncatedItems)
			break
		}
		row := make(map[string]string, len(header))
		for i, field := range record {
			if i < len(header) {
				row[header[i]] = strings.TrimSpace(field)
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		flags = append(flags, FlagEmpty)
	}

	out, err := json.Marshal(rows)
	if err != nil {
		return nil, nil, eris.Wrap(err, "csv: encode rows")
	}
	return out, flags, nil
}
