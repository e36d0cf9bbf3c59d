package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// recordSource streams the elements of a top-level JSON array.
type recordSource struct {
	dec   *json.Decoder
	index int
}

func newRecordSource(in io.Reader) (*recordSource, error) {
	dec := json.NewDecoder(in)
	dec.UseNumber()
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array of records", ErrInvalidHeader)
	}
	return &recordSource{dec: dec}, nil
}

func (s *recordSource) next() (map[string]any, int, error) {
	if !s.dec.More() {
		if _, err := s.dec.Token(); err != nil {
			return nil, s.index, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return nil, s.index, io.EOF
	}
	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		return nil, s.index, fmt.Errorf("%w: element %d: %v", ErrSyntax, s.index+1, err)
	}
	s.index++

	obj := map[string]any{}
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	if err := d.Decode(&obj); err != nil || obj == nil {
		return nil, s.index, &malformedError{line: s.index, reason: "element is not an object"}
	}
	return obj, s.index, nil
}

func (s *recordSource) offset() int64 {
	return s.dec.InputOffset()
}
