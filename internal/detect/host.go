package detect

import (
	"fmt"
	"math"
)

// ActivityMetric is the mandatory per-sample metric. Its windowed sum drives
// the active/inactive hysteresis, and its normalized series is defined to be
// its raw series.
const ActivityMetric = "Activity"

// hostState is the rolling window kept for a single host: one raw and one
// first-difference-normalized series per metric name seen in the host's
// first sample, plus activity status and the deltas from the last batch.
type hostState struct {
	raw        map[string]*ring
	normalized map[string]*ring

	maxSamples     int
	currentSamples int

	activityThreshold   int
	inactivityThreshold int
	prefNormalized      bool

	deltas map[string]float64
	active bool
}

// newHostState seeds both series with the host's first sample. A first
// sample without the Activity metric is a schema violation the caller must
// treat as fatal.
func newHostState(initial map[string]float64, maxSamples, activityThreshold, inactivityThreshold int, prefNormalized bool) (*hostState, error) {
	if _, ok := initial[ActivityMetric]; !ok {
		return nil, fmt.Errorf("first sample is missing the %s metric", ActivityMetric)
	}

	if activityThreshold <= 0 {
		activityThreshold = maxSamples - 1
	}
	if inactivityThreshold <= 0 {
		inactivityThreshold = 1
	}

	h := &hostState{
		raw:                 make(map[string]*ring, len(initial)),
		normalized:          make(map[string]*ring, len(initial)),
		maxSamples:          maxSamples,
		currentSamples:      1,
		activityThreshold:   activityThreshold,
		inactivityThreshold: inactivityThreshold,
		prefNormalized:      prefNormalized,
		deltas:              make(map[string]float64, len(initial)),
	}

	for name, value := range initial {
		h.raw[name] = newRing(maxSamples)
		h.raw[name].push(value)
		h.normalized[name] = newRing(maxSamples)
		h.normalized[name].push(value)
	}

	h.updateActivity()
	return h, nil
}

// record appends one sample to the window. Only metrics present in the
// host's first sample are tracked; a tracked metric absent from this sample
// repeats its previous raw value so all series keep identical length.
func (h *hostState) record(sample map[string]float64) {
	if h.currentSamples == h.maxSamples {
		for name := range h.raw {
			h.raw[name].dropOldest(1)
			h.normalized[name].dropOldest(1)
		}
	} else {
		h.currentSamples++
	}

	for name, r := range h.raw {
		value, ok := sample[name]
		if !ok {
			value = r.last()
		}
		prev := r.last()
		r.push(value)
		h.normalized[name].push(value - prev)
	}

	// Activity is already normalized by definition.
	h.normalized[ActivityMetric].copyFrom(h.raw[ActivityMetric])

	h.updateActivity()
}

// updateActivity applies the hysteresis rule: flip active above the activity
// threshold, flip inactive below the inactivity threshold, hold in between.
func (h *hostState) updateActivity() {
	sum := h.raw[ActivityMetric].sum()
	if sum > float64(h.activityThreshold) {
		h.active = true
	} else if sum < float64(h.inactivityThreshold) {
		h.active = false
	}
}

func (h *hostState) isActive() bool { return h.active }

// report returns the windowed average per metric, rounded to the nearest
// integer value. The normalized series feeds the report when the host
// prefers normalized samples, the raw series otherwise.
func (h *hostState) report() map[string]float64 {
	out := make(map[string]float64, len(h.raw))
	series := h.raw
	if h.prefNormalized {
		series = h.normalized
	}
	for name := range h.raw {
		out[name] = math.Round(series[name].sum() / float64(h.currentSamples))
	}
	return out
}

// updateDeltas recomputes the percent deviation of this host's report from
// the global baseline. Metrics whose baseline is zero or missing are
// skipped so the delta never divides by zero; their previous delta is
// dropped rather than left stale.
func (h *hostState) updateDeltas(global map[string]float64) {
	rep := h.report()
	for name, value := range rep {
		base, ok := global[name]
		if !ok || base == 0 {
			delete(h.deltas, name)
			continue
		}
		h.deltas[name] = math.Abs(1.0 - value/base)
	}
}

// reconfigure applies a new window shape. Shrinking the window drops the
// oldest entries and clamps the logical sample count so averages stay
// consistent with the shorter series.
func (h *hostState) reconfigure(maxSamples, activityThreshold, inactivityThreshold int, prefNormalized bool) {
	h.activityThreshold = activityThreshold
	h.inactivityThreshold = inactivityThreshold
	h.prefNormalized = prefNormalized

	for name := range h.raw {
		h.raw[name].resize(maxSamples)
		h.normalized[name].resize(maxSamples)
	}
	h.maxSamples = maxSamples
	if h.currentSamples > maxSamples {
		h.currentSamples = maxSamples
	}
}
