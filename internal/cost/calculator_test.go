package cost

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/models"
)

func testPlans() map[string]models.PlanConfig {
	return map[string]models.PlanConfig{
		"pro": {
			MonthlyCredits: 1000,
			Pricing: map[string]models.ServicePricing{
				models.ServiceTextToSpeech:    {Mode: models.PricingPerCharacter, CharactersPerCredit: 100},
				models.ServiceMusicGeneration: {Mode: models.PricingPerSecond, CreditsPerSecond: 2},
				models.ServiceVoiceClone:      {Mode: models.PricingFixed, FixedCredits: 25},
			},
		},
	}
}

func TestPlanCalculatorPerCharacter(t *testing.T) {
	calc := NewPlanCalculator(testPlans())

	tests := []struct {
		name       string
		characters int64
		want       int64
	}{
		{"zero characters are free", 0, 0},
		{"partial block rounds up", 1, 1},
		{"exact block", 100, 1},
		{"one over the block", 101, 2},
		{"large text", 2550, 26},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Cost("pro", models.ServiceTextToSpeech, models.ServiceParams{Characters: tt.characters})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanCalculatorPerSecond(t *testing.T) {
	calc := NewPlanCalculator(testPlans())

	got, err := calc.Cost("pro", models.ServiceMusicGeneration, models.ServiceParams{DurationSeconds: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(60), got)

	// Fractional seconds round up before pricing.
	got, err = calc.Cost("pro", models.ServiceMusicGeneration, models.ServiceParams{DurationSeconds: 0.5})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestPlanCalculatorFixed(t *testing.T) {
	calc := NewPlanCalculator(testPlans())

	got, err := calc.Cost("pro", models.ServiceVoiceClone, models.ServiceParams{Fixed: true})
	require.NoError(t, err)
	assert.Equal(t, int64(25), got)
}

func TestPlanCalculatorUnknownPlan(t *testing.T) {
	calc := NewPlanCalculator(testPlans())

	_, err := calc.Cost("enterprise", models.ServiceTextToSpeech, models.ServiceParams{Characters: 10})
	assert.True(t, errors.Is(err, ErrPlanNotFound))
}

func TestPlanCalculatorUnknownService(t *testing.T) {
	calc := NewPlanCalculator(testPlans())

	_, err := calc.Cost("pro", "teleportation", models.ServiceParams{})
	assert.True(t, errors.Is(err, ErrCostCalculation))
}
