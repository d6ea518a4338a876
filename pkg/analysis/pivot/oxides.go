package pivot

import (
	_ "embed"
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed oxides.yaml
var oxidesYAML []byte

// Oxide is one entry of the conversion table.
type Oxide struct {
	Element string  `yaml:"element" json:"element"`
	Formula string  `yaml:"oxide" json:"oxide"`
	Factor  float64 `yaml:"factor" json:"factor"`
}

// OxideTable maps element symbols to oxide conversion factors.
type OxideTable struct {
	Version int     `yaml:"version" json:"version"`
	Oxides  []Oxide `yaml:"oxides" json:"oxides"`

	bySymbol map[string]Oxide
}

var (
	defaultOxides     *OxideTable
	defaultOxidesOnce sync.Once
)

// DefaultOxides returns the embedded conversion table.
func DefaultOxides() *OxideTable {
	defaultOxidesOnce.Do(func() {
		t, err := ParseOxideTable(oxidesYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded oxide table: %v", err))
		}
		defaultOxides = t
	})
	return defaultOxides
}

// ParseOxideTable decodes a YAML oxide table.
func ParseOxideTable(data []byte) (*OxideTable, error) {
	var t OxideTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse oxide table: %w", err)
	}
	t.bySymbol = make(map[string]Oxide, len(t.Oxides))
	for _, o := range t.Oxides {
		if o.Factor <= 0 {
			return nil, fmt.Errorf("oxide %s: factor must be positive", o.Element)
		}
		if _, dup := t.bySymbol[o.Element]; dup {
			return nil, fmt.Errorf("oxide %s: duplicate element", o.Element)
		}
		t.bySymbol[o.Element] = o
	}
	return &t, nil
}

var symbolRe = regexp.MustCompile(`^[A-Z][a-z]?`)

// ElementSymbol extracts the leading element symbol of a column name
// ("Fe_ppm" → "Fe").
func ElementSymbol(column string) string {
	return symbolRe.FindString(column)
}

// Lookup returns the conversion for a column by its element symbol.
func (t *OxideTable) Lookup(column string) (Oxide, bool) {
	o, ok := t.bySymbol[ElementSymbol(column)]
	return o, ok
}

// Convert multiplies v by the column's factor; unknown columns pass through.
func (t *OxideTable) Convert(column string, v float64) float64 {
	if o, ok := t.Lookup(column); ok {
		return v * o.Factor
	}
	return v
}
