// Package optimizer searches per-element blank/scale correction parameters
// that bring reference material rows inside their accepted band.
package optimizer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/crm"
	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
)

// Observation is one reference row's raw signal and certified value for an
// element.
type Observation struct {
	RowID     uuid.UUID `json:"row_id"`
	Label     string    `json:"label"`
	Position  int       `json:"position"`
	Raw       float64   `json:"raw"`
	Certified float64   `json:"certified"`
}

// ElementInput is the search input for one element.
type ElementInput struct {
	Element      string
	Observations []Observation
}

// Config drives Optimize.
type Config struct {
	Band        crm.Band `json:"band"`
	Bounds      Bounds   `json:"bounds"`
	Population  int      `json:"population"`
	Generations int      `json:"generations"`
	Seed        int64    `json:"seed"`
	Models      []Model  `json:"models,omitempty"`
	// Workers bounds how many elements are searched at once.
	Workers int `json:"workers,omitempty"`
}

// Validate checks search settings.
func (c Config) Validate() error {
	if err := c.Band.Validate(); err != nil {
		return err
	}
	if c.Population < 4 {
		return apperrors.Validation("population must be at least 4, got %d", c.Population)
	}
	if c.Generations < 1 {
		return apperrors.Validation("generations must be at least 1, got %d", c.Generations)
	}
	b := c.Bounds
	if b.BlankMin > b.BlankMax {
		return apperrors.Validation("blank bounds [%g, %g] are inverted", b.BlankMin, b.BlankMax)
	}
	if b.ScaleMin <= 0 || b.ScaleMin > b.ScaleMax {
		return apperrors.Validation("scale bounds [%g, %g] must be positive and ordered", b.ScaleMin, b.ScaleMax)
	}
	return nil
}

// ModelResult is the best parameter set one model found.
type ModelResult struct {
	Model      Model      `json:"model"`
	Params     Params     `json:"params"`
	Evaluation Evaluation `json:"evaluation"`
	Cost       float64    `json:"cost"`
}

// ElementResult is the outcome for one element.
type ElementResult struct {
	Element      string        `json:"element"`
	Observations int           `json:"observations"`
	Baseline     Evaluation    `json:"baseline"`
	Best         *ModelResult  `json:"best,omitempty"`
	Models       []ModelResult `json:"models,omitempty"`
	Skipped      bool          `json:"skipped,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// Result is the outcome of Optimize, elements in input order.
type Result struct {
	Elements      []ElementResult `json:"elements"`
	MostUsedModel Model           `json:"most_used_model,omitempty"`
	Messages      []string        `json:"messages,omitempty"`
}

// Params returns the winning parameters per element.
func (r *Result) Params() map[string]Params {
	out := make(map[string]Params)
	for _, e := range r.Elements {
		if e.Best != nil {
			out[e.Element] = e.Best.Params
		}
	}
	return out
}

// Optimize runs every model for every element, elements concurrently. The
// winner per element has the most passes, then the lowest mean |diff|.
func Optimize(ctx context.Context, inputs []ElementInput, cfg Config, logger *zap.Logger) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	modelSet := cfg.Models
	if len(modelSet) == 0 {
		modelSet = AllModels
	}
	logger = logger.Named("optimizer")

	res := &Result{Elements: make([]ElementResult, len(inputs))}
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for i, in := range inputs {
		g.Go(func() error {
			er, err := optimizeElement(gctx, in, modelSet, cfg)
			if err != nil {
				return fmt.Errorf("optimize %s: %w", in.Element, err)
			}
			res.Elements[i] = er
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	usage := make(map[Model]int)
	for _, er := range res.Elements {
		if er.Skipped {
			res.Messages = append(res.Messages, fmt.Sprintf("%s: %s", er.Element, er.Reason))
			continue
		}
		usage[er.Best.Model]++
		logger.Debug("Element optimized",
			zap.String("element", er.Element),
			zap.String("model", string(er.Best.Model)),
			zap.Int("pass", er.Best.Evaluation.Pass),
			zap.Int("total", er.Best.Evaluation.Total))
	}
	best := 0
	for _, m := range modelSet {
		if usage[m] > best {
			best = usage[m]
			res.MostUsedModel = m
		}
	}
	return res, nil
}

func optimizeElement(ctx context.Context, in ElementInput, modelSet []Model, cfg Config) (ElementResult, error) {
	er := ElementResult{Element: in.Element, Observations: len(in.Observations)}
	if len(in.Observations) == 0 {
		er.Skipped = true
		er.Reason = "no reference observations"
		return er, nil
	}
	er.Baseline = Evaluate(Identity, in.Observations, cfg.Band)

	for _, m := range modelSet {
		rng := rand.New(rand.NewPCG(uint64(cfg.Seed), streamFor(in.Element, m)))
		c, err := search(ctx, m, in.Observations, cfg.Band, cfg.Bounds, cfg.Population, cfg.Generations, rng)
		if err != nil {
			return er, err
		}
		mr := ModelResult{Model: m, Params: c.params, Evaluation: c.eval, Cost: c.cost}
		er.Models = append(er.Models, mr)
		if er.Best == nil || better(mr.Evaluation, er.Best.Evaluation) {
			winner := mr
			er.Best = &winner
		}
	}
	return er, nil
}

func better(a, b Evaluation) bool {
	if a.Pass != b.Pass {
		return a.Pass > b.Pass
	}
	return a.MeanAbsDiff < b.MeanAbsDiff
}

// streamFor derives a per element and model random stream so results do not
// depend on scheduling.
func streamFor(element string, m Model) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(element))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(m))
	return h.Sum64()
}

// RawValue returns the uncorrected signal of element: the raw column when
// present, otherwise the current corrected value.
func RawValue(r *models.Row, element string) (float64, bool) {
	if v, ok := r.Number(models.RawColumn(element)); ok {
		return v, true
	}
	return r.Number(element)
}

// ObservationsFromReport builds search inputs from resolved comparisons.
// Only elements with a certified value are used.
func ObservationsFromReport(rows []*models.Row, report *crm.Report) []ElementInput {
	byID := make(map[uuid.UUID]*models.Row, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	index := make(map[string]int)
	var out []ElementInput
	for _, rr := range report.Rows {
		row, ok := byID[rr.RowID]
		if !ok || rr.Match != crm.MatchResolved {
			continue
		}
		for _, e := range rr.Elements {
			if e.Certified == nil {
				continue
			}
			raw, ok := RawValue(row, e.Element)
			if !ok {
				continue
			}
			i, seen := index[e.Element]
			if !seen {
				i = len(out)
				index[e.Element] = i
				out = append(out, ElementInput{Element: e.Element})
			}
			out[i].Observations = append(out[i].Observations, Observation{
				RowID:     row.ID,
				Label:     row.Label,
				Position:  row.Position,
				Raw:       raw,
				Certified: *e.Certified,
			})
		}
	}
	return out
}

// Adjustment is one element value rewritten by Plan.
type Adjustment struct {
	RowID    uuid.UUID `json:"row_id"`
	Label    string    `json:"label"`
	Position int       `json:"position"`
	Element  string    `json:"element"`
	Before   float64   `json:"before"`
	After    float64   `json:"after"`
}

// Plan computes corrected values for every row holding an element in
// params. Rows are visited in run order.
func Plan(rows []*models.Row, params map[string]Params) ([]Adjustment, error) {
	for el, p := range params {
		if p.Scale <= 0 {
			return nil, apperrors.Validation("%s: scale must be positive, got %g", el, p.Scale)
		}
	}
	ordered := append([]*models.Row(nil), rows...)
	models.SortByPosition(ordered)

	var out []Adjustment
	for _, r := range ordered {
		for _, el := range r.ElementColumns() {
			p, ok := params[el]
			if !ok {
				continue
			}
			before, _ := r.Number(el)
			raw, _ := RawValue(r, el)
			after := p.Correct(raw)
			if after == before {
				continue
			}
			out = append(out, Adjustment{
				RowID:    r.ID,
				Label:    r.Label,
				Position: r.Position,
				Element:  el,
				Before:   before,
				After:    after,
			})
		}
	}
	return out, nil
}
