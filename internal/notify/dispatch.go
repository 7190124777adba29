package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/metrics"
	"carbonrecycling-backend/internal/rules"
)

// Notifier delivers one alert through one channel.
type Notifier interface {
	Send(ctx context.Context, action rules.Action, inst alerts.Instance) error
}

type Result struct {
	Action rules.ActionType
	Err    error
}

// Dispatcher fans an alert out to the channels its rule configured.
// A failing or panicking channel never stops the remaining ones.
type Dispatcher struct {
	channels map[rules.ActionType]Notifier
	log      zerolog.Logger
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{channels: map[rules.ActionType]Notifier{}, log: log}
}

func (d *Dispatcher) Register(t rules.ActionType, n Notifier) {
	d.channels[t] = n
}

func (d *Dispatcher) Dispatch(ctx context.Context, actions []rules.Action, inst alerts.Instance) []Result {
	results := make([]Result, 0, len(actions))
	for _, action := range actions {
		err := d.send(ctx, action, inst)
		if err != nil {
			metrics.NotificationsFailed.WithLabelValues(string(action.Type)).Inc()
			d.log.Error().
				Str("alert_id", inst.ID).
				Str("channel", string(action.Type)).
				Err(err).
				Msg("notification dispatch failed")
		} else {
			metrics.NotificationsSent.WithLabelValues(string(action.Type)).Inc()
		}
		results = append(results, Result{Action: action.Type, Err: err})
	}
	return results
}

func (d *Dispatcher) send(ctx context.Context, action rules.Action, inst alerts.Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("notify").Inc()
			err = &rules.DispatchError{Channel: string(action.Type), Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	notifier, ok := d.channels[action.Type]
	if !ok {
		return &rules.DispatchError{Channel: string(action.Type), Cause: fmt.Errorf("no notifier registered")}
	}
	if sendErr := notifier.Send(ctx, action, inst); sendErr != nil {
		return &rules.DispatchError{Channel: string(action.Type), Cause: sendErr}
	}
	return nil
}
