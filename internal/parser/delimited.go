package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

type delimitedSource struct {
	r      *csv.Reader
	header []string
}

func newDelimitedSource(in io.Reader, delim rune, required []string) (*delimitedSource, error) {
	r := csv.NewReader(in)
	if delim != 0 {
		r.Comma = delim
	}
	// FieldsPerRecord 0 makes the header row fix the field count.
	r.FieldsPerRecord = 0

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	names := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" {
			return nil, fmt.Errorf("%w: column %d has no name", ErrInvalidHeader, i+1)
		}
		if slices.Contains(names[:i], name) {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidHeader, name)
		}
		names[i] = name
	}

	var missing []string
	for _, col := range required {
		if !slices.Contains(names, strings.ToLower(col)) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns %s", ErrInvalidHeader, strings.Join(missing, ", "))
	}
	return &delimitedSource{r: r, header: names}, nil
}

func (s *delimitedSource) next() (map[string]any, int, error) {
	rec, err := s.r.Read()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, pe.StartLine, &malformedError{line: pe.StartLine, reason: pe.Err.Error()}
		}
		return nil, 0, err
	}
	line, _ := s.r.FieldPos(0)
	fields := make(map[string]any, len(s.header))
	for i, name := range s.header {
		fields[name] = strings.TrimSpace(rec[i])
	}
	return fields, line, nil
}

func (s *delimitedSource) offset() int64 {
	return s.r.InputOffset()
}

// Header reads only the header row of a delimited stream and returns its
// normalized column names. Templates use it to derive required columns.
func Header(in io.Reader, delim rune) ([]string, error) {
	src, err := newDelimitedSource(in, delim, nil)
	if err != nil {
		return nil, err
	}
	return src.header, nil
}
