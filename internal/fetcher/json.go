package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// selectPath walks a dotted path of object keys.
func selectPath(doc json.RawMessage, path string) (json.RawMessage, error) {
	if path == "" {
		return doc, nil
	}
	cur := doc
	for _, key := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, eris.Wrapf(err, "json: select %q: not an object at %q", path, key)
		}
		next, ok := obj[key]
		if !ok {
			return nil, eris.Errorf("json: select %q: missing key %q", path, key)
		}
		cur = next
	}
	return cur, nil
}

// decodeArray streams the elements of a JSON array, keeping at most limit
// of them when limit is positive. It reports whether elements were dropped.
func decodeArray(ctx context.Context, r io.Reader, limit int) ([]json.RawMessage, bool, error) {
	decoder := json.NewDecoder(r)

	tok, err := decoder.Token()
	if err != nil {
		if err == io.EOF {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "json: read opening token")
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '[' {
		return nil, false, eris.Errorf("json: expected '[', got %v", tok)
	}

	var items []json.RawMessage
	for decoder.More() {
		if ctx.Err() != nil {
			return nil, false, eris.Wrap(ctx.Err(), "json: context cancelled")
		}
		if limit > 0 && len(items) == limit {
			return items, true, nil
		}
		var item json.RawMessage
		if err := decoder.Decode(&item); err != nil {
			return nil, false, eris.Wrap(err, "json: decode element")
		}
		items = append(items, item)
	}

	if _, err := decoder.Token(); err != nil && err != io.EOF {
		return nil, false, eris.Wrap(err, "json: read closing token")
	}
	return items, false, nil
}

// decodeJSON applies Select and Limit to a JSON document.
func decodeJSON(ctx context.Context, body []byte, req Request) (json.RawMessage, []string, error) {
	if !json.Valid(body) {
		return nil, nil, eris.New("json: invalid document")
	}
	doc, err := selectPath(body, req.Select)
	if err != nil {
		return nil, nil, err
	}

	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		if bytes.Equal(trimmed, []byte("null")) {
			return doc, []string{FlagEmpty}, nil
		}
		return doc, nil, nil
	}

	items, dropped, err := decodeArray(ctx, bytes.NewReader(trimmed), req.Limit)
	if err != nil {
		return nil, nil, err
	}
	var flags []string
	if dropped {
		flags = append(flags, FlagTruncatedItems)
	}
	if len(items) == 0 {
		flags = append(flags, FlagEmpty)
		items = []json.RawMessage{}
	}
	out, err := json.Marshal(items)
	if err != nil {
		return nil, nil, eris.Wrap(err, "json: encode items")
	}
	return out, flags, nil
}
