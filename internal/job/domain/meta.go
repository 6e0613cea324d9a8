package domain

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// ErrorsFromMeta decodes the row-error tally out of the job meta. The meta
// column round-trips through JSON, so the slice is re-decoded through it.
func ErrorsFromMeta(meta datatypes.JSONMap) []RowError {
	raw, ok := meta[MetaErrors]
	if !ok || raw == nil {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []RowError
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil
	}
	return out
}

// MetaCounter reads an integer meta value regardless of the numeric type
// JSON decoding produced.
func MetaCounter(meta datatypes.JSONMap, key string) int64 {
	switch v := meta[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
