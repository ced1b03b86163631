package engine

import (
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// request is the wire form of one SQL command, written into guest memory.
type request struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// encodeRequest serializes sql and params into the boundary's request form.
// Parameters are restricted to text, number, boolean, and null; anything
// richer cannot cross the boundary and is rejected here, before any guest
// memory is allocated.
func encodeRequest(sql string, params []any) ([]byte, error) {
	norm := make([]any, len(params))
	for i, p := range params {
		switch p.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			norm[i] = p
		default:
			return nil, fmt.Errorf("parameter %d: unsupported type %T (want text, number, boolean, or null)", i, p)
		}
	}
	return json.Marshal(request{SQL: sql, Params: norm})
}

// Row is one result row, keyed by column name.
type Row map[string]any

// ParseRows decodes the serialized row set returned by a query. The column
// order is recovered from the token order of the first row, since JSON
// objects otherwise lose it; an empty row set has no columns.
func ParseRows(raw []byte) ([]string, []Row, error) {
	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, nil, fmt.Errorf("malformed row set: %w", err)
	}
	if len(rows) == 0 {
		return nil, rows, nil
	}
	columns, err := firstRowColumns(raw)
	if err != nil {
		return nil, nil, err
	}
	return columns, rows, nil
}

func firstRowColumns(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var columns []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("malformed row set: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("malformed row set: expected column name, got %v", tok)
		}
		columns = append(columns, key)
		if err := skipValue(dec); err != nil {
			return nil, err
		}
	}
	return columns, nil
}

func expectDelim(dec *json.Decoder, want rune) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("malformed row set: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || rune(d) != want {
		return fmt.Errorf("malformed row set: expected %q, got %v", want, tok)
	}
	return nil
}

// skipValue consumes one JSON value, descending into containers.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("malformed row set: %w", err)
	}
	if d, ok := tok.(json.Delim); ok && (d == '[' || d == '{') {
		for dec.More() {
			if err := skipValue(dec); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil && err != io.EOF {
			return fmt.Errorf("malformed row set: %w", err)
		}
	}
	return nil
}
