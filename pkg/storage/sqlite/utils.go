package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

var dialect = storage.Dialect{
	Placeholder: func(int) string { return "?" },
	TimeValue:   func(t time.Time) any { return t.UnixNano() },
	NotDeleted:  "deleted = 0",
}

// encodeEmbedding stores vectors as JSON text; nil stays NULL.
func encodeEmbedding(v []float64) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeEmbedding(raw sql.NullString) ([]float64, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
