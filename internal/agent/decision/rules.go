package decision

import (
	"fmt"
	"math"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// Action is what the optimizer does to a campaign.
type Action string

const (
	ActionNoop     Action = "noop"
	ActionPause    Action = "pause"
	ActionDecrease Action = "decrease_budget"
	ActionIncrease Action = "increase_budget"
)

// Thresholds are the tunable multipliers of the decision rules.
type Thresholds struct {
	// Pause when CAC > target*PauseCAC and ROAS < target*PauseROAS.
	PauseCAC  float64
	PauseROAS float64
	// Decrease when CAC > target*DecreaseCAC.
	DecreaseCAC      float64
	DecreaseFraction float64
	IncreaseFraction float64
}

// DefaultThresholds returns the stock tuning: pause at 2x CAC and half ROAS,
// cut 20% above 1.2x CAC, grow 15% when both targets are met.
func DefaultThresholds() Thresholds {
	return Thresholds{PauseCAC: 2, PauseROAS: 0.5, DecreaseCAC: 1.2, DecreaseFraction: 0.20, IncreaseFraction: 0.15}
}

// Observation is a campaign's performance over the trailing period.
type Observation struct {
	Spend           float64
	Conversions     float64
	ConversionValue float64
}

// ObservationOf converts aggregated metrics.
func ObservationOf(p model.CampaignPerformance) Observation {
	return Observation{Spend: p.Spend, Conversions: p.Conversions, ConversionValue: p.ConversionValue}
}

// CAC is spend per conversion. Spend with no conversions is infinitely
// expensive; no spend costs nothing.
func (o Observation) CAC() float64 {
	if o.Conversions <= 0 {
		if o.Spend > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return o.Spend / o.Conversions
}

// ROAS is conversion value per unit of spend, zero without spend.
func (o Observation) ROAS() float64 {
	if o.Spend <= 0 {
		return 0
	}
	return o.ConversionValue / o.Spend
}

// Decision is the outcome of the rules for one campaign.
type Decision struct {
	Action Action
	Reason string
	CAC    float64
	ROAS   float64
}

// Decide applies the rules in fixed order; the first match wins.
//
//  1. conversions < min_conversions       noop
//  2. CAC > 2*target and ROAS < 0.5*target pause
//  3. CAC > 1.2*target                     decrease
//  4. CAC < target and ROAS >= target      increase
//  5. otherwise                            noop
//
// It depends only on its arguments.
func Decide(obs Observation, pol model.CampaignPolicy, th Thresholds) Decision {
	return decide(obs.CAC(), obs.ROAS(), obs.Conversions, pol, th)
}

func decide(cac, roas, conversions float64, pol model.CampaignPolicy, th Thresholds) Decision {
	d := Decision{CAC: cac, ROAS: roas}
	switch {
	case conversions < pol.MinConversions:
		d.Action = ActionNoop
		d.Reason = fmt.Sprintf("insufficient signal: %.0f conversions < %.0f", conversions, pol.MinConversions)
	case cac > pol.TargetCAC*th.PauseCAC && roas < pol.TargetROAS*th.PauseROAS:
		d.Action = ActionPause
		d.Reason = fmt.Sprintf("CAC %.2f > %.2f and ROAS %.2f < %.2f", cac, pol.TargetCAC*th.PauseCAC, roas, pol.TargetROAS*th.PauseROAS)
	case cac > pol.TargetCAC*th.DecreaseCAC:
		d.Action = ActionDecrease
		d.Reason = fmt.Sprintf("CAC %.2f > %.2f", cac, pol.TargetCAC*th.DecreaseCAC)
	case cac < pol.TargetCAC && roas >= pol.TargetROAS:
		d.Action = ActionIncrease
		d.Reason = fmt.Sprintf("CAC %.2f < %.2f and ROAS %.2f >= %.2f", cac, pol.TargetCAC, roas, pol.TargetROAS)
	default:
		d.Action = ActionNoop
		d.Reason = "within targets"
	}
	return d
}

// NextBudget returns the daily budget after applying d to current. A
// decrease is floored at min_budget; an increase is capped at max_budget
// when one is set.
func NextBudget(current float64, d Decision, pol model.CampaignPolicy, th Thresholds) float64 {
	switch d.Action {
	case ActionDecrease:
		return math.Max(current*(1-th.DecreaseFraction), pol.MinBudget)
	case ActionIncrease:
		next := current * (1 + th.IncreaseFraction)
		if pol.MaxBudget > 0 {
			next = math.Min(next, pol.MaxBudget)
		}
		return next
	}
	return current
}
