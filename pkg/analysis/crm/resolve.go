package crm

import (
	"sort"
	"strings"

	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// MatchStatus describes how a candidate row was resolved to a record.
type MatchStatus string

const (
	MatchResolved  MatchStatus = "resolved"
	MatchAmbiguous MatchStatus = "ambiguous"
	MatchUnknown   MatchStatus = "unknown"
)

// ResolvedBy records which rule picked the record.
type ResolvedBy string

const (
	ResolvedSingle    ResolvedBy = "single"
	ResolvedPin       ResolvedBy = "pin"
	ResolvedPreferred ResolvedBy = "preferred_method"
)

// Option is one record an ambiguous row could be compared against.
type Option struct {
	RecordKey string `json:"record_key"`
	ID        string `json:"id"`
	Method    string `json:"method,omitempty"`
}

// Resolution is the outcome of choosing a record for one row.
type Resolution struct {
	Status  MatchStatus
	By      ResolvedBy
	Record  *models.ReferenceMaterial
	Options []Option
}

// PinKey identifies a pinned selection.
type PinKey struct {
	Label    string
	Position int
}

// Pins maps rows to the record key an operator chose for them.
type Pins map[PinKey]string

// PinsFrom indexes stored selections.
func PinsFrom(selections []*models.CrmSelection) Pins {
	pins := make(Pins, len(selections))
	for _, s := range selections {
		pins[PinKey{Label: s.Label, Position: s.Position}] = s.RecordKey
	}
	return pins
}

// Resolve picks one record out of candidates: a single record is used
// directly; several records are narrowed by the row's pin, then by the
// first preferred method present in exactly one record. Anything else is
// ambiguous and lists every option.
func Resolve(candidates []*models.ReferenceMaterial, pin string, preferred []string) Resolution {
	switch len(candidates) {
	case 0:
		return Resolution{Status: MatchUnknown}
	case 1:
		return Resolution{Status: MatchResolved, By: ResolvedSingle, Record: candidates[0]}
	}

	if pin != "" {
		for _, c := range candidates {
			if c.Key() == pin {
				return Resolution{Status: MatchResolved, By: ResolvedPin, Record: c}
			}
		}
	}

	for _, method := range preferred {
		var match *models.ReferenceMaterial
		n := 0
		for _, c := range candidates {
			if strings.EqualFold(c.Method, method) {
				match = c
				n++
			}
		}
		if n == 1 {
			return Resolution{Status: MatchResolved, By: ResolvedPreferred, Record: match}
		}
	}

	options := make([]Option, len(candidates))
	for i, c := range candidates {
		options[i] = Option{RecordKey: c.Key(), ID: c.ID, Method: c.Method}
	}
	sort.Slice(options, func(i, j int) bool { return options[i].RecordKey < options[j].RecordKey })
	return Resolution{Status: MatchAmbiguous, Options: options}
}
