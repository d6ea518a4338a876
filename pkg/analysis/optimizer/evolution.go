package optimizer

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/crm"
)

// Differential evolution constants (rand/1/bin).
const (
	mutationFactor = 0.7
	crossoverRate  = 0.9
)

// Bounds limit the search space.
type Bounds struct {
	BlankMin float64 `json:"blank_min"`
	BlankMax float64 `json:"blank_max"`
	ScaleMin float64 `json:"scale_min"`
	ScaleMax float64 `json:"scale_max"`
}

func (b Bounds) clamp(p Params) Params {
	p.Blank = math.Max(b.BlankMin, math.Min(b.BlankMax, p.Blank))
	p.Scale = math.Max(b.ScaleMin, math.Min(b.ScaleMax, p.Scale))
	return p
}

func (b Bounds) random(rng *rand.Rand) Params {
	return Params{
		Blank: b.BlankMin + rng.Float64()*(b.BlankMax-b.BlankMin),
		Scale: b.ScaleMin + rng.Float64()*(b.ScaleMax-b.ScaleMin),
	}
}

type candidate struct {
	params Params
	eval   Evaluation
	cost   float64
}

// search minimizes model's cost over obs. The identity is part of the
// initial population, so the result is never worse than leaving values as
// they are. The context is checked once per generation.
func search(ctx context.Context, model Model, obs []Observation, band crm.Band, bounds Bounds, population, generations int, rng *rand.Rand) (candidate, error) {
	diffs := make([]float64, 0, len(obs))
	score := func(p Params) candidate {
		var ev Evaluation
		ev, diffs = evaluate(p, obs, band, diffs)
		return candidate{params: p, eval: ev, cost: model.cost(ev, diffs)}
	}

	pop := make([]candidate, population)
	pop[0] = score(bounds.clamp(Identity))
	for i := 1; i < population; i++ {
		pop[i] = score(bounds.random(rng))
	}
	best := 0
	for i := range pop {
		if pop[i].cost < pop[best].cost {
			best = i
		}
	}

	for g := 0; g < generations; g++ {
		if err := ctx.Err(); err != nil {
			return candidate{}, err
		}
		for i := range pop {
			a, b, c := pick3(rng, population, i)
			mutant := Params{
				Blank: pop[a].params.Blank + mutationFactor*(pop[b].params.Blank-pop[c].params.Blank),
				Scale: pop[a].params.Scale + mutationFactor*(pop[b].params.Scale-pop[c].params.Scale),
			}
			trial := pop[i].params
			forced := rng.IntN(2)
			if forced == 0 || rng.Float64() < crossoverRate {
				trial.Blank = mutant.Blank
			}
			if forced == 1 || rng.Float64() < crossoverRate {
				trial.Scale = mutant.Scale
			}
			cand := score(bounds.clamp(trial))
			if cand.cost <= pop[i].cost {
				pop[i] = cand
				if cand.cost < pop[best].cost {
					best = i
				}
			}
		}
	}
	return pop[best], nil
}

// pick3 returns three distinct indexes different from skip.
func pick3(rng *rand.Rand, n, skip int) (int, int, int) {
	next := func(exclude ...int) int {
		for {
			k := rng.IntN(n)
			ok := k != skip
			for _, e := range exclude {
				if k == e {
					ok = false
				}
			}
			if ok {
				return k
			}
		}
	}
	a := next()
	b := next(a)
	c := next(a, b)
	return a, b, c
}
