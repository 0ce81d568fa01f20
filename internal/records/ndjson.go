package records

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// MaxLineSize bounds a single encoded record
const MaxLineSize = 1 << 20

// ReadNDJSON decodes one record per line. Blank lines are skipped.
func ReadNDJSON(r io.Reader) ([]model.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	var out []model.Record
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var rec model.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record on line %d: %w", line, err)
		}
		if rec.FrameNumber == 0 {
			rec.FrameNumber = uint64(len(out) + 1)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}

// WriteNDJSON encodes records one per line
func WriteNDJSON(w io.Writer, records []model.Record) error {
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	return nil
}
