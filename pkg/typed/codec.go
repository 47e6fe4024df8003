package typed

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/aretw0/tillage/pkg/core"
)

// Encode converts v into entity attributes through its JSON form, so json
// struct tags decide the attribute names.
func Encode(v any) (core.Attributes, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var attrs core.Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("convert %T to attributes: %w", v, err)
	}
	return attrs, nil
}

// Decode converts entity attributes into a V.
func Decode[V any](attrs core.Attributes) (V, error) {
	var v V
	data, err := json.Marshal(attrs)
	if err != nil {
		return v, fmt.Errorf("marshal attributes: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal into %T: %w", v, err)
	}
	return v, nil
}
