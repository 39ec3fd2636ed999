package mitigate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/coresgate/internal/bus"
	"github.com/skywalker-88/coresgate/pkg/config"
	"github.com/skywalker-88/coresgate/pkg/metrics"
)

// Dispatcher bridges the detector's mitigation events to an Actuator. It
// subscribes to the start/stop topics and drives the actuator with a short
// per-call timeout so a stuck backend cannot stall the sample path for long.
type Dispatcher struct {
	act     Actuator
	timeout time.Duration
}

// NewDispatcher wires a dispatcher to the bus under the configured topic names.
func NewDispatcher(act Actuator, b *bus.Bus, names config.EventNames) *Dispatcher {
	d := &Dispatcher{act: act, timeout: 500 * time.Millisecond}
	b.On(names.StartMitigation, d.onStart)
	b.On(names.StopMitigation, d.onStop)
	return d
}

func (d *Dispatcher) onStart(payload any) {
	hostID, ok := payload.(string)
	if !ok {
		log.Warn().Msg("start-mitigation event carried an unexpected payload, ignoring")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.act.Start(ctx, hostID); err != nil {
		metrics.ActuatorErrors.WithLabelValues("start").Inc()
		log.Error().Err(err).Str("host", hostID).Msg("mitigation start failed")
		return
	}
	log.Info().Str("host", hostID).Msg("mitigation started")
}

func (d *Dispatcher) onStop(payload any) {
	hostID, ok := payload.(string)
	if !ok {
		log.Warn().Msg("stop-mitigation event carried an unexpected payload, ignoring")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.act.Stop(ctx, hostID); err != nil {
		metrics.ActuatorErrors.WithLabelValues("stop").Inc()
		log.Error().Err(err).Str("host", hostID).Msg("mitigation stop failed")
		return
	}
	log.Info().Str("host", hostID).Msg("mitigation stopped")
}
