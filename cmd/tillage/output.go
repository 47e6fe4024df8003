package main

import (
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/tillage/pkg/core"
)

type entityView struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	Attributes core.Attributes `json:"attributes"`
}

func viewOf(model string, e core.Entity) entityView {
	return entityView{ID: e.PrimaryKey(), Model: model, Attributes: e.Attributes()}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseAssignments turns field=value pairs into attributes. Values are read
// as YAML scalars so numbers and booleans keep their type; quote them to
// force a string.
func parseAssignments(pairs []string) (core.Attributes, error) {
	attrs := make(core.Attributes, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid assignment %q, want field=value", pair)
		}
		var value any
		if raw != "" {
			if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
				return nil, fmt.Errorf("value of %s: %w", field, err)
			}
		}
		if value == nil {
			value = raw
		}
		attrs[field] = value
	}
	return attrs, nil
}

// parseData merges a JSON object given with --data under the assignments.
func parseData(data string, pairs []string) (core.Attributes, error) {
	attrs := core.Attributes{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &attrs); err != nil {
			return nil, fmt.Errorf("--data: %w", err)
		}
	}
	assigned, err := parseAssignments(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range assigned {
		attrs[k] = v
	}
	return attrs, nil
}
