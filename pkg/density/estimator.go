// Package density asks a language model for the density of a named food.
//
// The estimator never fails: when the model's answer carries no usable
// number the water-equivalent density of 1.0 g/ml is used instead, so a
// plausible estimate is always produced.
package density

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/menta2k/food-portion/pkg/client"
	"github.com/menta2k/food-portion/pkg/types"
)

// DefaultDensity is used whenever the reply cannot be parsed
const DefaultDensity = 1.0

// PromptTemplate is filled with the food name
const PromptTemplate = `What is the approximate density of %s in grams per milliliter? Reply with a single number with up to two decimal places and nothing else.`

var numberPattern = regexp.MustCompile(`\d*\.?\d+`)

// Estimator queries a text model for food densities
type Estimator struct {
	client client.TextClient
	model  string
	logger *zap.SugaredLogger
}

// New creates an estimator
func New(c client.TextClient, model string, logger *zap.SugaredLogger) *Estimator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Estimator{client: c, model: model, logger: logger}
}

// Estimate returns a density for foodName, falling back to DefaultDensity
func (e *Estimator) Estimate(ctx context.Context, foodName string) types.DensityEstimate {
	reply, err := e.client.Complete(ctx, e.model, fmt.Sprintf(PromptTemplate, foodName))
	if err != nil {
		e.logger.Warnw("density query failed, using default", "food", foodName, "error", err)
		return types.DensityEstimate{GramsPerMilliliter: DefaultDensity, Fallback: true}
	}

	est := Parse(reply)
	if est.Fallback {
		e.logger.Warnw("no density in model reply, using default", "food", foodName, "reply", reply)
	}
	return est
}

// Parse takes the first number in the reply as the density
func Parse(reply string) types.DensityEstimate {
	match := numberPattern.FindString(reply)
	if match == "" {
		return types.DensityEstimate{GramsPerMilliliter: DefaultDensity, Raw: reply, Fallback: true}
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil || v <= 0 {
		return types.DensityEstimate{GramsPerMilliliter: DefaultDensity, Raw: reply, Fallback: true}
	}
	return types.DensityEstimate{GramsPerMilliliter: v, Raw: reply}
}
