package pinning

import (
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/kacy/trust-attestation/logging"
)

// Source produces a fresh pin table, typically by re-reading configuration.
type Source func() (*Table, error)

// Reloader periodically rebuilds the pin table from a Source and swaps it
// into a Store. A failed reload keeps the previous table.
type Reloader struct {
	store     *Store
	source    Source
	scheduler gocron.Scheduler
}

// NewReloader creates a reloader that runs every interval once started.
func NewReloader(store *Store, source Source, interval time.Duration) (*Reloader, error) {
	if store == nil {
		return nil, errors.New("pin store is required")
	}
	if source == nil {
		return nil, errors.New("pin table source is required")
	}
	if interval <= 0 {
		return nil, errors.New("reload interval must be positive")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	r := &Reloader{
		store:     store,
		source:    source,
		scheduler: s,
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.reload),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}

	return r, nil
}

// Start begins the reload schedule.
func (r *Reloader) Start() {
	logging.Logger.Info("starting pin table reloader")
	r.scheduler.Start()
}

// Stop halts the reload schedule.
func (r *Reloader) Stop() {
	logging.Logger.Info("stopping pin table reloader")
	if err := r.scheduler.Shutdown(); err != nil {
		logging.Logger.WithError(err).Error("error shutting down pin reloader")
	}
}

// Reload rebuilds the table immediately.
func (r *Reloader) Reload() error {
	table, err := r.source()
	if err != nil {
		return err
	}
	r.store.Replace(table)
	logging.Logger.WithField("records", table.Len()).Info("pin table reloaded")
	return nil
}

func (r *Reloader) reload() {
	if err := r.Reload(); err != nil {
		logging.Logger.WithError(err).Error("pin table reload failed, keeping previous table")
	}
}
