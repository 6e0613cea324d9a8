package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/smallbiznis/marketdash/internal/normalize"
)

var ErrEmptyFile = errors.New("csv file has no header")

// detectSeparator picks the delimiter that splits the header into the most
// fields. Comma, semicolon, and tab cover the marketplace exports we see.
func detectSeparator(header string) rune {
	best := ','
	bestCount := strings.Count(header, ",")
	if n := strings.Count(header, ";"); n > bestCount {
		best, bestCount = ';', n
	}
	if n := strings.Count(header, "\t"); n > bestCount {
		best = '\t'
	}
	return best
}

// csvDocument is a decoded CSV held in memory: the header plus a streaming
// record reader. Whole-file decoding is what allows the Latin-1 fallback.
type csvDocument struct {
	headers []string
	reader  *csv.Reader
}

func openCSV(raw []byte) (*csvDocument, error) {
	decoded := normalize.DecodeText(raw)

	firstLine := decoded
	if idx := bytes.IndexByte(decoded, '\n'); idx >= 0 {
		firstLine = decoded[:idx]
	}

	r := csv.NewReader(bytes.NewReader(decoded))
	r.Comma = detectSeparator(string(firstLine))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	headers, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFile
		}
		return nil, err
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	return &csvDocument{headers: headers, reader: r}, nil
}

// next returns the following data record, skipping blank lines. ok is false
// at end of input; a non-nil err is a malformed record.
func (d *csvDocument) next() (record []string, ok bool, err error) {
	for {
		record, err = d.reader.Read()
		if errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		if err != nil {
			return nil, true, err
		}
		empty := true
		for _, field := range record {
			if strings.TrimSpace(field) != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		return record, true, nil
	}
}
