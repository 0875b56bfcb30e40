// Package catalog loads specialty examination forms from YAML and keeps the
// validated forms available to sessions.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is the YAML shape of one form file.
type Document struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	Specialty   string          `yaml:"specialty"`
	Version     string          `yaml:"version"`
	Description string          `yaml:"description"`
	Phases      []PhaseDoc      `yaml:"phases"`
	Instruments []InstrumentDoc `yaml:"instruments"`
	Rules       []RuleDoc       `yaml:"rules"`
	Flags       []FlagDoc       `yaml:"flags"`
}

type PhaseDoc struct {
	ID       string       `yaml:"id"`
	Title    string       `yaml:"title"`
	Sections []SectionDoc `yaml:"sections"`
}

type SectionDoc struct {
	ID          string     `yaml:"id"`
	Title       string     `yaml:"title"`
	VisibleWhen string     `yaml:"visible_when"`
	Fields      []FieldDoc `yaml:"fields"`
}

// FieldDoc declares one input. Fields are required unless required is set
// to false.
type FieldDoc struct {
	ID          string   `yaml:"id"`
	Label       string   `yaml:"label"`
	Type        string   `yaml:"type"`
	Required    *bool    `yaml:"required"`
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	MinLength   *int     `yaml:"min_length"`
	MaxLength   *int     `yaml:"max_length"`
	Options     []string `yaml:"options"`
	Unit        string   `yaml:"unit"`
	VisibleWhen string   `yaml:"visible_when"`
}

// InstrumentDoc is either a weighted evidence score (contributions) or an
// additive scale (items), selected by type.
type InstrumentDoc struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Critical      []string          `yaml:"critical"`
	Contributions []ContributionDoc `yaml:"contributions"`
	Items         []ItemDoc         `yaml:"items"`
	Bands         []BandDoc         `yaml:"bands"`
}

const (
	instrumentWeighted = "weighted"
	instrumentAdditive = "additive"
)

type ContributionDoc struct {
	Label  string  `yaml:"label"`
	Points float64 `yaml:"points"`
	When   string  `yaml:"when"`
}

// ItemDoc scores one field. Bool fields use the quoted keys "true" and
// "false"; number fields leave points empty.
type ItemDoc struct {
	Field  string             `yaml:"field"`
	Points map[string]float64 `yaml:"points"`
}

type BandDoc struct {
	Min            float64 `yaml:"min"`
	Label          string  `yaml:"label"`
	Level          string  `yaml:"level"`
	Recommendation string  `yaml:"recommendation"`
}

type RuleDoc struct {
	ID       string   `yaml:"id"`
	Severity string   `yaml:"severity"`
	Message  string   `yaml:"message"`
	Action   string   `yaml:"action"`
	Labels   []string `yaml:"labels"`
	When     string   `yaml:"when"`
}

type FlagDoc struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Unlocks     []string `yaml:"unlocks"`
	When        string   `yaml:"when"`
}

// Parse decodes one form document. Unknown keys are rejected so that a
// misspelt condition never silently disappears.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty form document")
		}
		return nil, fmt.Errorf("decode form: %w", err)
	}
	var extra interface{}
	if err := dec.Decode(&extra); err == nil {
		return nil, fmt.Errorf("form %q: multiple YAML documents are not supported", doc.ID)
	} else if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode form: %w", err)
	}
	return &doc, nil
}
