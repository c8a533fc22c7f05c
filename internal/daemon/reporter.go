package daemon

import (
	"fmt"

	"github.com/harun/ranya-bridge/internal/observability"
	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/state"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultStateReportSchedule is used when no schedule is configured.
const DefaultStateReportSchedule = "@every 5m"

// StateReporter periodically logs every channel's state and refreshes the
// channel_up gauge.
type StateReporter struct {
	cron     *cron.Cron
	tracker  *state.Tracker
	registry *channels.Registry
	logger   zerolog.Logger
}

// NewStateReporter creates a reporter running on schedule, a standard
// five-field cron spec or a descriptor such as "@every 5m".
func NewStateReporter(schedule string, tracker *state.Tracker, registry *channels.Registry, logger zerolog.Logger) (*StateReporter, error) {
	if schedule == "" {
		schedule = DefaultStateReportSchedule
	}
	r := &StateReporter{
		cron:     cron.New(),
		tracker:  tracker,
		registry: registry,
		logger:   logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.Report); err != nil {
		return nil, fmt.Errorf("invalid state report schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins running the schedule in the background.
func (r *StateReporter) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running report to finish.
func (r *StateReporter) Stop() {
	<-r.cron.Stop().Done()
}

// Report logs one line per registered channel.
func (r *StateReporter) Report() {
	for _, kind := range r.registry.Kinds() {
		ch, ok := r.registry.Get(kind)
		if !ok {
			continue
		}
		running := ch.IsRunning()
		observability.SetChannelUp(string(kind), running)

		event := r.logger.Info().Str("channel", string(kind)).Bool("running", running)
		if st, ok := r.tracker.Get(string(kind)); ok {
			event = event.Int64("messages", st.MessageCount)
			if st.ConnectedSince != nil {
				event = event.Time("connected_since", *st.ConnectedSince)
			}
			if st.LastMessageAt != nil {
				event = event.Time("last_message_at", *st.LastMessageAt)
			}
			if st.Error != "" {
				event = event.Str("error", st.Error)
			}
		}
		event.Msg("Channel state")
	}
}
