package store

import (
	"encoding/json"
	"fmt"
)

// marshalJSON renders v as a JSON string suitable for binding to a JSONB
// column through lib/pq, which otherwise treats a []byte argument as bytea
// rather than text.
func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b), nil
}

func unmarshalUnitValues(data []byte) ([]UnitValue, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var values []UnitValue
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("unmarshal unit values: %w", err)
	}
	return values, nil
}
