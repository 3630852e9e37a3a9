package notify

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Worker runs the dispatcher on a cron schedule.
type Worker struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewWorker schedules dispatcher runs with the given cron spec, e.g.
// "@every 1m". The schedule is validated here; Start is non-blocking.
func NewWorker(dispatcher *Dispatcher, spec string, log zerolog.Logger) (*Worker, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		sent, err := dispatcher.DispatchPending(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("outbox dispatch failed")
			return
		}
		if sent > 0 {
			log.Info().Int("sent", sent).Msg("outbox batch dispatched")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule outbox worker: %w", err)
	}
	return &Worker{cron: c, log: log}, nil
}

func (w *Worker) Start() {
	w.cron.Start()
	w.log.Info().Msg("notification worker started")
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (w *Worker) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.log.Info().Msg("notification worker stopped")
}
