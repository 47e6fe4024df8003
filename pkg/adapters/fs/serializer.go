package fs

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/tillage/pkg/core"
)

// Document is the on-disk shape of one entity.
type Document struct {
	ID         string          `json:"id" yaml:"id"`
	Model      string          `json:"model" yaml:"model"`
	Attributes core.Attributes `json:"attributes" yaml:"attributes"`
}

// Serializer reads and writes one file format.
type Serializer interface {
	Parse(data []byte) (*Document, error)
	Serialize(doc Document) ([]byte, error)
}

// DefaultSerializers returns the serializers keyed by file extension.
func DefaultSerializers(strict bool) map[string]Serializer {
	return map[string]Serializer{
		".yaml": YAMLSerializer{},
		".yml":  YAMLSerializer{},
		".json": JSONSerializer{Strict: strict},
	}
}

// YAMLSerializer handles YAML entity files.
type YAMLSerializer struct{}

func (YAMLSerializer) Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	return &doc, nil
}

func (YAMLSerializer) Serialize(doc Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

// JSONSerializer handles JSON entity files.
type JSONSerializer struct {
	// Strict decodes numbers as json.Number to avoid float64 precision loss.
	Strict bool
}

func (s JSONSerializer) Parse(data []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	if s.Strict {
		dec.UseNumber()
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return &doc, nil
}

func (JSONSerializer) Serialize(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func toDocument(model string, e core.Entity) Document {
	return Document{ID: e.PrimaryKey(), Model: model, Attributes: e.Attributes()}
}

func fromDocument(model core.ModelType, doc *Document) (core.Entity, error) {
	e := model.New()
	if e == nil {
		return nil, fmt.Errorf("model %s produced no instance", model)
	}
	e.SetPrimaryKey(doc.ID)
	if err := e.Fill(doc.Attributes); err != nil {
		return nil, fmt.Errorf("fill %s: %w", doc.ID, err)
	}
	return e, nil
}
