package refdata

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"horse.fit/eventfamily/internal/canon"
	"horse.fit/eventfamily/internal/gate"
)

//go:embed rules.schema.json
var rulesSchemaJSON string

//go:embed gate.schema.json
var gateSchemaJSON string

type ruleFile struct {
	Version int          `json:"version"`
	Rules   []canon.Rule `json:"rules"`
}

type gateFile struct {
	Version      int               `json:"version"`
	Vocabularies []gate.Vocabulary `json:"vocabularies"`
}

type compiledSchema struct {
	name   string
	source string
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

var (
	rulesSchema = &compiledSchema{name: "rules.schema.json", source: rulesSchemaJSON}
	gateSchema  = &compiledSchema{name: "gate.schema.json", source: gateSchemaJSON}
)

func (c *compiledSchema) load() (*jsonschema.Schema, error) {
	c.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource(c.name, strings.NewReader(c.source)); err != nil {
			c.err = fmt.Errorf("add schema resource %s: %w", c.name, err)
			return
		}
		schema, err := compiler.Compile(c.name)
		if err != nil {
			c.err = fmt.Errorf("compile schema %s: %w", c.name, err)
			return
		}
		c.schema = schema
	})
	if c.err != nil {
		return nil, c.err
	}
	if c.schema == nil {
		return nil, fmt.Errorf("schema %s not initialized", c.name)
	}
	return c.schema, nil
}

// ParseRules decodes and validates a YAML (or JSON) rule document.
func ParseRules(raw []byte) ([]canon.Rule, error) {
	var doc ruleFile
	if err := decodeValidated(raw, rulesSchema, &doc); err != nil {
		return nil, fmt.Errorf("rules document: %w", err)
	}
	seen := make(map[int64]struct{}, len(doc.Rules))
	for _, rule := range doc.Rules {
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("rules document: duplicate rule id %d", rule.ID)
		}
		seen[rule.ID] = struct{}{}
	}
	return doc.Rules, nil
}

// ParseVocabularies decodes and validates a YAML (or JSON) gate document.
// Declaration order is preserved; it decides which term is reported on a hit.
func ParseVocabularies(raw []byte) ([]gate.Vocabulary, error) {
	var doc gateFile
	if err := decodeValidated(raw, gateSchema, &doc); err != nil {
		return nil, fmt.Errorf("gate document: %w", err)
	}
	return doc.Vocabularies, nil
}

func LoadRules(path string) ([]canon.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	return ParseRules(raw)
}

func LoadVocabularies(path string) ([]gate.Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gate vocabulary file %s: %w", path, err)
	}
	return ParseVocabularies(raw)
}

// FileRuleSource reads rules from a file on every load, so Reload picks up edits.
type FileRuleSource struct {
	Path string
}

func (s FileRuleSource) LoadRules(_ context.Context) ([]canon.Rule, error) {
	return LoadRules(s.Path)
}

func decodeValidated(raw []byte, schema *compiledSchema, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("document is empty")
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode YAML: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert to JSON: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(asJSON))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}

	compiled, err := schema.load()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if err := json.Unmarshal(asJSON, out); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	return nil
}
