package detect

import (
	"reflect"
	"testing"

	"github.com/skywalker-88/coresgate/internal/bus"
	"github.com/skywalker-88/coresgate/pkg/config"
)

func testView(mit *config.Mitigation, thresholds map[string]float64, maxSamples, incl, excl int, normalize bool) *config.View {
	return &config.View{
		Mitigation:             mit,
		Thresholds:             thresholds,
		MaxSamples:             maxSamples,
		SamplesBeforeInclusion: incl,
		SamplesBeforeExclusion: excl,
		NormalizeSamples:       normalize,
		EventNames: config.EventNames{
			ConfigurationReloaded: "config.reloaded",
			SampleEvent:           "detector.sample",
			StartMitigation:       "mitigation.start",
			StopMitigation:        "mitigation.stop",
		},
	}
}

// mitigationRecorder captures start/stop emissions in order.
type mitigationRecorder struct {
	starts []string
	stops  []string
}

func newMitigationRecorder(b *bus.Bus, names config.EventNames) *mitigationRecorder {
	r := &mitigationRecorder{}
	b.On(names.StartMitigation, func(p any) { r.starts = append(r.starts, p.(string)) })
	b.On(names.StopMitigation, func(p any) { r.stops = append(r.stops, p.(string)) })
	return r
}

func hostSnap(t *testing.T, d *Detector, hostID string) HostSnapshot {
	t.Helper()
	for _, h := range d.Snapshot().Hosts {
		if h.HostID == hostID {
			return h
		}
	}
	t.Fatalf("host %s not in snapshot", hostID)
	return HostSnapshot{}
}

// Escalation: a host whose profile deviates from the baseline in every
// thresholded metric accumulates flags and gets mitigated once the flag
// count exceeds the limit.
func Test_DetectorEscalatesToMitigation(t *testing.T) {
	view := testView(
		&config.Mitigation{FlagsBeforeActivation: 1, DeflagsBeforeDeactivation: 1},
		map[string]float64{"Activity": 0.3, "Cpu": 1.0},
		3, 1, 1, false,
	)
	b := bus.New()
	d := New(view, b)
	rec := newMitigationRecorder(b, view.EventNames)

	batch := SampleBatch{
		"A": {"Activity": 4, "Cpu": 100},
		"B": {"Activity": 2, "Cpu": 10},
		"C": {"Activity": 2, "Cpu": 10},
	}

	// Batch 1: baseline Cpu=(100+10+10)/3=40, A's delta 1.5 > 1.0 and
	// activity delta 0.5 > 0.3 while B/C stay below; A flags once.
	b.Emit("detector.sample", batch)
	if len(rec.starts) != 0 {
		t.Fatalf("mitigation started too early: %v", rec.starts)
	}
	if got := hostSnap(t, d, "A").Flags; got != 1 {
		t.Fatalf("flags after batch 1: want 1, got %d", got)
	}
	if got := hostSnap(t, d, "B").Flags; got != 0 {
		t.Fatalf("benign host flagged: %d", got)
	}

	// Batch 2: flags exceed FlagsBeforeActivation=1 -> start emitted once.
	b.Emit("detector.sample", batch)
	if !reflect.DeepEqual(rec.starts, []string{"A"}) {
		t.Fatalf("starts: want [A], got %v", rec.starts)
	}
	if len(rec.stops) != 0 {
		t.Fatalf("unexpected stops: %v", rec.stops)
	}
	if got := hostSnap(t, d, "A").Flags; got != 0 {
		t.Fatalf("flags must reset to 0 after start, got %d", got)
	}
	if got := d.MitigatedHosts(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("mitigated: want [A], got %v", got)
	}

	// Further identical batches must not re-emit: A is excluded from the
	// baseline and keeps breaching, which only pins its deflags at zero.
	b.Emit("detector.sample", batch)
	b.Emit("detector.sample", batch)
	if len(rec.starts) != 1 {
		t.Fatalf("start emitted more than once: %v", rec.starts)
	}
}

// De-escalation: once a mitigated host behaves like the baseline again, its
// deflag counter climbs and mitigation is revoked.
func Test_DetectorDeflagsAfterMitigation(t *testing.T) {
	view := testView(
		&config.Mitigation{FlagsBeforeActivation: 1, DeflagsBeforeDeactivation: 1},
		map[string]float64{"Activity": 0.3, "Cpu": 1.0},
		3, 1, 1, false,
	)
	b := bus.New()
	d := New(view, b)
	rec := newMitigationRecorder(b, view.EventNames)

	hot := SampleBatch{
		"A": {"Activity": 4, "Cpu": 100},
		"B": {"Activity": 2, "Cpu": 10},
		"C": {"Activity": 2, "Cpu": 10},
	}
	cool := SampleBatch{
		"A": {"Activity": 2, "Cpu": 10},
		"B": {"Activity": 2, "Cpu": 10},
		"C": {"Activity": 2, "Cpu": 10},
	}

	b.Emit("detector.sample", hot)
	b.Emit("detector.sample", hot)
	if len(rec.starts) != 1 {
		t.Fatalf("precondition: want one start, got %v", rec.starts)
	}

	// A's window still holds hot samples; while the averaged Cpu keeps
	// breaching, deflags stay pinned at zero.
	b.Emit("detector.sample", cool) // window [100 100 10]
	b.Emit("detector.sample", cool) // window [100 10 10]
	if len(rec.stops) != 0 {
		t.Fatalf("stopped while window still hot: %v", rec.stops)
	}

	b.Emit("detector.sample", cool) // window [10 10 10] -> deflags 1
	if got := hostSnap(t, d, "A").Deflags; got != 1 {
		t.Fatalf("deflags: want 1, got %d", got)
	}

	b.Emit("detector.sample", cool) // deflags 2 > 1 -> stop
	if !reflect.DeepEqual(rec.stops, []string{"A"}) {
		t.Fatalf("stops: want [A], got %v", rec.stops)
	}
	if got := hostSnap(t, d, "A").Deflags; got != 0 {
		t.Fatalf("deflags must reset to 0 after stop, got %d", got)
	}
	if got := d.MitigatedHosts(); len(got) != 0 {
		t.Fatalf("mitigated after stop: %v", got)
	}
}

// An inactive host neither contributes to the baseline nor gets flagged, no
// matter how extreme its metrics are.
func Test_DetectorIgnoresInactiveHost(t *testing.T) {
	view := testView(
		&config.Mitigation{FlagsBeforeActivation: 1, DeflagsBeforeDeactivation: 1},
		map[string]float64{"Activity": 0.3, "Cpu": 1.0},
		5, 5, 1, false,
	)
	b := bus.New()
	d := New(view, b)
	rec := newMitigationRecorder(b, view.EventNames)

	for i := 0; i < 6; i++ {
		b.Emit("detector.sample", SampleBatch{"idle": {"Activity": 0, "Cpu": 9999}})
	}

	snap := hostSnap(t, d, "idle")
	if snap.Active {
		t.Fatal("host with zero activity must stay inactive")
	}
	if snap.Flags != 0 {
		t.Fatalf("inactive host flagged: %d", snap.Flags)
	}
	if len(d.Snapshot().Baseline) != 0 {
		t.Fatalf("inactive host leaked into baseline: %v", d.Snapshot().Baseline)
	}
	if len(rec.starts) != 0 {
		t.Fatalf("unexpected starts: %v", rec.starts)
	}
}

// With mitigation disabled, flags accumulate but no event is ever emitted.
func Test_DetectorMitigationDisabled(t *testing.T) {
	view := testView(
		nil,
		map[string]float64{"Activity": 0.3, "Cpu": 1.0},
		3, 1, 1, false,
	)
	b := bus.New()
	d := New(view, b)
	rec := newMitigationRecorder(b, view.EventNames)

	batch := SampleBatch{
		"A": {"Activity": 4, "Cpu": 100},
		"B": {"Activity": 2, "Cpu": 10},
		"C": {"Activity": 2, "Cpu": 10},
	}
	for i := 0; i < 5; i++ {
		b.Emit("detector.sample", batch)
	}

	if len(rec.starts) != 0 || len(rec.stops) != 0 {
		t.Fatalf("events despite disabled mitigation: %v %v", rec.starts, rec.stops)
	}
	if got := hostSnap(t, d, "A").Flags; got != 5 {
		t.Fatalf("flags must keep accumulating, want 5, got %d", got)
	}
	if len(d.MitigatedHosts()) != 0 {
		t.Fatal("mitigated set must stay empty")
	}
}

// A configuration reload with a smaller window truncates every host's
// series and clamps the logical sample count.
func Test_DetectorReloadShrinksWindows(t *testing.T) {
	view := testView(nil, map[string]float64{"Activity": 0.3}, 5, 1, 1, false)
	b := bus.New()
	d := New(view, b)

	for i := 0; i < 5; i++ {
		b.Emit("detector.sample", SampleBatch{"A": {"Activity": 2}})
	}
	if got := hostSnap(t, d, "A").Samples; got != 5 {
		t.Fatalf("precondition: want 5 samples, got %d", got)
	}

	smaller := testView(nil, map[string]float64{"Activity": 0.3}, 3, 1, 1, false)
	b.Emit("config.reloaded", smaller)

	if got := hostSnap(t, d, "A").Samples; got != 3 {
		t.Fatalf("samples after shrink: want 3, got %d", got)
	}

	// New samples respect the shrunk capacity.
	b.Emit("detector.sample", SampleBatch{"A": {"Activity": 2}})
	if got := hostSnap(t, d, "A").Samples; got != 3 {
		t.Fatalf("samples after post-shrink batch: want 3, got %d", got)
	}
}

// Re-emitting the current view is semantically a no-op.
func Test_DetectorReloadIdempotent(t *testing.T) {
	view := testView(nil, map[string]float64{"Activity": 0.3}, 5, 1, 1, false)
	b := bus.New()
	d := New(view, b)

	b.Emit("detector.sample", SampleBatch{"A": {"Activity": 2, "Cpu": 10}})
	before := d.Snapshot()

	b.Emit("config.reloaded", view)
	after := d.Snapshot()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("reload with identical view changed state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func Test_DetectorEmptyBatchIsNoop(t *testing.T) {
	view := testView(nil, map[string]float64{"Activity": 0.3}, 5, 1, 1, false)
	b := bus.New()
	d := New(view, b)

	b.Emit("detector.sample", SampleBatch{"A": {"Activity": 2}})
	before := d.Snapshot()

	b.Emit("detector.sample", SampleBatch{})
	after := d.Snapshot()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("empty batch changed state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func Test_DetectorIgnoresUnexpectedPayloads(t *testing.T) {
	view := testView(nil, map[string]float64{"Activity": 0.3}, 5, 1, 1, false)
	b := bus.New()
	d := New(view, b)

	b.Emit("detector.sample", "not a batch")
	b.Emit("config.reloaded", 42)

	if got := len(d.Snapshot().Hosts); got != 0 {
		t.Fatalf("unexpected hosts: %d", got)
	}
}

// A lone active host defines the baseline by itself, so its deltas are all
// zero and it never flags.
func Test_DetectorSoloHostNeverFlags(t *testing.T) {
	view := testView(
		&config.Mitigation{FlagsBeforeActivation: 1, DeflagsBeforeDeactivation: 1},
		map[string]float64{"Activity": 0.3, "Cpu": 1.0},
		3, 1, 1, false,
	)
	b := bus.New()
	d := New(view, b)
	rec := newMitigationRecorder(b, view.EventNames)

	for i := 0; i < 5; i++ {
		b.Emit("detector.sample", SampleBatch{"solo": {"Activity": 4, "Cpu": 500}})
	}

	if got := hostSnap(t, d, "solo").Flags; got != 0 {
		t.Fatalf("solo host flagged against itself: %d", got)
	}
	if len(rec.starts) != 0 {
		t.Fatalf("unexpected starts: %v", rec.starts)
	}
}
