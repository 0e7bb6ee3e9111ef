// Package cost prices metered operations from plan configuration.
//
// The calculator is deterministic and side-effect-free: given a plan's
// pricing table and a service parameter bag it returns an integer credit
// cost. The credit ledger service never computes cost itself; it receives a
// Calculator as an injected dependency.
package cost

import (
	"errors"
	"fmt"
	"math"

	"metergate/internal/models"
)

// Configuration errors. Fatal for the triggering request, never retried.
var (
	ErrPlanNotFound    = errors.New("plan not found")
	ErrCostCalculation = errors.New("cost calculation error")
)

// Calculator computes the credit cost of one metered operation.
type Calculator interface {
	// Cost returns the integer credit cost (>= 0) for running service with
	// the given parameters under the named plan.
	Cost(plan, service string, params models.ServiceParams) (int64, error)
}

// PlanCalculator prices operations from the static plan table in the service
// configuration.
type PlanCalculator struct {
	plans map[string]models.PlanConfig
}

// NewPlanCalculator creates a calculator over the configured plans.
func NewPlanCalculator(plans map[string]models.PlanConfig) *PlanCalculator {
	return &PlanCalculator{plans: plans}
}

// Cost implements Calculator.
func (c *PlanCalculator) Cost(plan, service string, params models.ServiceParams) (int64, error) {
	p, ok := c.plans[plan]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}

	pricing, ok := p.Pricing[service]
	if !ok {
		return 0, fmt.Errorf("%w: plan %s has no pricing for service %s", ErrCostCalculation, plan, service)
	}

	switch pricing.Mode {
	case models.PricingPerCharacter:
		if params.Characters < 0 {
			return 0, fmt.Errorf("%w: negative character count", ErrCostCalculation)
		}
		if params.Characters == 0 {
			return 0, nil
		}
		// Round up: a partial block of characters still costs one credit.
		return (params.Characters + pricing.CharactersPerCredit - 1) / pricing.CharactersPerCredit, nil

	case models.PricingPerSecond:
		if params.DurationSeconds < 0 {
			return 0, fmt.Errorf("%w: negative duration", ErrCostCalculation)
		}
		return int64(math.Ceil(params.DurationSeconds)) * pricing.CreditsPerSecond, nil

	case models.PricingFixed:
		return pricing.FixedCredits, nil

	default:
		return 0, fmt.Errorf("%w: unsupported pricing mode %q", ErrCostCalculation, pricing.Mode)
	}
}
