package pipeline

import (
	"github.com/menta2k/food-portion/pkg/types"
)

// State is a pipeline position
type State string

const (
	StateIdle       State = "idle"
	StateIdentified State = "identified"
	StateSegmented  State = "segmented"
	StateMeasured   State = "measured"
	StateEstimated  State = "estimated"
	StateFailed     State = "failed"
)

// Run is the record of one pipeline execution
type Run struct {
	ID             string                    `json:"runId"`
	State          State                     `json:"state"`
	Trail          []State                   `json:"trail"`
	FailureReason  string                    `json:"failureReason,omitempty"`
	Identification *types.FoodIdentification `json:"identification,omitempty"`
	Segmentation   *types.SegmentationResult `json:"segmentation,omitempty"`
	PixelFraction  float64                   `json:"pixelFraction,omitempty"`
	Density        *types.DensityEstimate    `json:"density,omitempty"`
	Estimate       *types.PortionEstimate    `json:"-"`
}

func newRun(id string) *Run {
	return &Run{ID: id, State: StateIdle, Trail: []State{StateIdle}}
}

func (r *Run) advance(s State) {
	r.State = s
	r.Trail = append(r.Trail, s)
}

// fail moves the run to Failed and drops every numeric result
func (r *Run) fail(err error) *Run {
	r.advance(StateFailed)
	r.FailureReason = err.Error()
	r.PixelFraction = 0
	r.Density = nil
	r.Estimate = nil
	return r
}

// Result is the display payload of a finished run
func (r *Run) Result() *types.EstimateResponse {
	if r.Estimate == nil {
		return nil
	}
	out := r.Estimate.Rounded()
	return &out
}
