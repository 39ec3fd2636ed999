package detect

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/coresgate/internal/bus"
	"github.com/skywalker-88/coresgate/pkg/config"
	"github.com/skywalker-88/coresgate/pkg/metrics"
)

// SampleBatch is the payload of a sample event: host id → metric name → value.
// Every host entry must carry the Activity metric.
type SampleBatch = map[string]map[string]float64

// Detector flags hosts whose metric profile deviates from the global
// baseline in every configured dimension, and drives the per-host
// flag/deflag state machine that starts and stops mitigation.
//
// One batch is processed atomically under the detector mutex: record
// samples, recompute the baseline from benign hosts, recompute per-host
// deltas, advance the counters, then dispatch mitigation events. Start
// events are always emitted before stop events within a batch.
type Detector struct {
	mu  sync.Mutex
	cfg *config.View
	bus *bus.Bus

	hosts     map[string]*hostState
	flags     map[string]int
	deflags   map[string]int
	global    map[string]float64
	mitigated map[string]struct{}
}

// New constructs the detector and subscribes it to the sample and
// configuration-reload topics.
func New(cfg *config.View, b *bus.Bus) *Detector {
	d := &Detector{
		cfg:       cfg,
		bus:       b,
		hosts:     make(map[string]*hostState),
		flags:     make(map[string]int),
		deflags:   make(map[string]int),
		global:    make(map[string]float64),
		mitigated: make(map[string]struct{}),
	}

	b.On(cfg.EventNames.ConfigurationReloaded, d.updateConfig)
	b.On(cfg.EventNames.SampleEvent, d.updateMetrics)

	log.Info().
		Int("max_samples", cfg.MaxSamples).
		Int("samples_before_inclusion", cfg.SamplesBeforeInclusion).
		Int("samples_before_exclusion", cfg.SamplesBeforeExclusion).
		Bool("normalize_samples", cfg.NormalizeSamples).
		Bool("mitigation", cfg.Mitigation != nil).
		Msg("detector initialized")
	return d
}

// updateConfig swaps the configuration and reshapes every host window. Held
// under the detector mutex so a reload cannot race an in-flight batch.
func (d *Detector) updateConfig(payload any) {
	view, ok := payload.(*config.View)
	if !ok {
		log.Warn().Msg("config reload event carried an unexpected payload, ignoring")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = view
	for _, h := range d.hosts {
		h.reconfigure(view.MaxSamples, view.SamplesBeforeInclusion,
			view.SamplesBeforeExclusion, view.NormalizeSamples)
	}
	log.Debug().Int("hosts", len(d.hosts)).Msg("detector reconfigured")
}

// updateMetrics processes one sample batch.
func (d *Detector) updateMetrics(payload any) {
	batch, ok := payload.(SampleBatch)
	if !ok {
		log.Warn().Msg("sample event carried an unexpected payload, ignoring")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for hostID, sample := range batch {
		if h, seen := d.hosts[hostID]; seen {
			h.record(sample)
		} else {
			h, err := newHostState(sample, d.cfg.MaxSamples, d.cfg.SamplesBeforeInclusion,
				d.cfg.SamplesBeforeExclusion, d.cfg.NormalizeSamples)
			if err != nil {
				log.Fatal().Err(err).Str("host", hostID).Msg("invalid first sample")
			}
			d.hosts[hostID] = h
		}
		metrics.SamplesTotal.Inc()
	}

	d.refreshGlobal()
	d.refreshDeltas()
	d.refreshFlags()
	d.publishGauges()

	if d.cfg.Mitigation == nil {
		return
	}

	// Start before stop, per batch.
	for hostID, v := range d.flags {
		if v > d.cfg.Mitigation.FlagsBeforeActivation {
			log.Info().Str("host", hostID).Msg("initiating mitigation")
			d.mitigated[hostID] = struct{}{}
			d.flags[hostID] = 0
			metrics.MitigationStartsTotal.Inc()
			d.bus.Emit(d.cfg.EventNames.StartMitigation, hostID)
		}
	}
	for hostID, v := range d.deflags {
		if v > d.cfg.Mitigation.DeflagsBeforeDeactivation {
			log.Info().Str("host", hostID).Msg("stopping mitigation")
			delete(d.mitigated, hostID)
			d.deflags[hostID] = 0
			metrics.MitigationStopsTotal.Inc()
			d.bus.Emit(d.cfg.EventNames.StopMitigation, hostID)
		}
	}
	metrics.MitigatedHosts.Set(float64(len(d.mitigated)))
}

// refreshGlobal rebuilds the baseline from scratch as the component-wise
// mean of the reports of all benign hosts (active and not under mitigation).
func (d *Detector) refreshGlobal() {
	clear(d.global)
	benign := 0

	for hostID, h := range d.hosts {
		if _, suspect := d.mitigated[hostID]; suspect || !h.isActive() {
			continue
		}
		benign++
		for name, value := range h.report() {
			d.global[name] += value
		}
	}

	if benign == 0 {
		return
	}
	for name := range d.global {
		d.global[name] /= float64(benign)
	}
}

func (d *Detector) refreshDeltas() {
	for _, h := range d.hosts {
		if !h.isActive() {
			continue
		}
		h.updateDeltas(d.global)
	}
}

// refreshFlags advances the two counters. A host flags only when every one
// of its thresholded deltas strictly exceeds its threshold; a single delta
// at or below threshold disqualifies the batch.
func (d *Detector) refreshFlags() {
	for hostID, h := range d.hosts {
		if !h.isActive() {
			continue
		}

		exceeded := 0
		allExceed := true
		for name, delta := range h.deltas {
			threshold, ok := d.cfg.Thresholds[name]
			if !ok {
				continue
			}
			if delta <= threshold {
				allExceed = false
				break
			}
			exceeded++
		}
		// A host with nothing to compare (empty baseline, no thresholded
		// metrics) never flags.
		if exceeded == 0 {
			allExceed = false
		}

		_, suspect := d.mitigated[hostID]
		switch {
		case allExceed && suspect:
			d.deflags[hostID] = 0
		case allExceed:
			d.flags[hostID]++
			metrics.FlagsTotal.WithLabelValues(hostID).Inc()
			log.Debug().Str("host", hostID).Int("flags", d.flags[hostID]).
				Msg("host exceeded all thresholds")
		case suspect:
			d.deflags[hostID]++
		}
	}
}

func (d *Detector) publishGauges() {
	active := 0
	for _, h := range d.hosts {
		if h.isActive() {
			active++
		}
	}
	metrics.TrackedHosts.Set(float64(len(d.hosts)))
	metrics.ActiveHosts.Set(float64(active))
}

// ---- Introspection for the HTTP surface ----

// HostSnapshot is a point-in-time copy of one host's detector state.
type HostSnapshot struct {
	HostID    string             `json:"host_id"`
	Active    bool               `json:"active"`
	Mitigated bool               `json:"mitigated"`
	Samples   int                `json:"samples"`
	Flags     int                `json:"flags"`
	Deflags   int                `json:"deflags"`
	Deltas    map[string]float64 `json:"deltas"`
}

// Snapshot is the detector state exposed on the control API.
type Snapshot struct {
	Hosts    []HostSnapshot     `json:"hosts"`
	Baseline map[string]float64 `json:"baseline"`
}

// Snapshot returns a copy of the per-host state and the current baseline,
// hosts sorted by id.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Snapshot{
		Hosts:    make([]HostSnapshot, 0, len(d.hosts)),
		Baseline: make(map[string]float64, len(d.global)),
	}
	for name, value := range d.global {
		snap.Baseline[name] = value
	}

	for hostID, h := range d.hosts {
		_, suspect := d.mitigated[hostID]
		deltas := make(map[string]float64, len(h.deltas))
		for name, delta := range h.deltas {
			deltas[name] = delta
		}
		snap.Hosts = append(snap.Hosts, HostSnapshot{
			HostID:    hostID,
			Active:    h.isActive(),
			Mitigated: suspect,
			Samples:   h.currentSamples,
			Flags:     d.flags[hostID],
			Deflags:   d.deflags[hostID],
			Deltas:    deltas,
		})
	}
	sort.Slice(snap.Hosts, func(i, j int) bool { return snap.Hosts[i].HostID < snap.Hosts[j].HostID })
	return snap
}

// MitigatedHosts returns the ids currently under mitigation, sorted.
func (d *Detector) MitigatedHosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.mitigated))
	for hostID := range d.mitigated {
		out = append(out, hostID)
	}
	sort.Strings(out)
	return out
}
