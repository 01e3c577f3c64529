package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

const (
	// staleAfterDays marks a folder stale when its last sync is this old.
	// Refresh tokens idle longer than ~90 days die, so the probe runs with
	// a few days of margin.
	staleAfterDays = 85

	defaultWatchdogInterval = 12 * time.Hour
)

// Watchdog periodically probes groups whose folders have not synced in a
// long time, keeping their refresh tokens warm. The probe is the check
// strategy: one page, nothing persisted.
type Watchdog struct {
	store    *store.Store
	runtime  *Runtime
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatchdog builds the maintenance watchdog. interval <= 0 selects the
// default.
func NewWatchdog(st *store.Store, rt *Runtime, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	return &Watchdog{
		store:    st,
		runtime:  rt,
		interval: interval,
		logger:   log.WithComponent("watchdog"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the watchdog loop.
func (wd *Watchdog) Start() {
	go wd.run()
	wd.logger.Info().Dur("interval", wd.interval).Msg("Watchdog started")
}

// Stop stops the loop.
func (wd *Watchdog) Stop() {
	close(wd.stopCh)
	<-wd.doneCh
}

func (wd *Watchdog) run() {
	defer close(wd.doneCh)

	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wd.probeStaleGroups(); err != nil {
				wd.logger.Error().Err(err).Msg("Watchdog cycle failed")
			}
		case <-wd.stopCh:
			return
		}
	}
}

// probeStaleGroups submits a check task for every group with folders whose
// last sync is past the staleness cutoff. Dedup makes overlapping cycles
// harmless.
func (wd *Watchdog) probeStaleGroups() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := types.UTCDaysAgo(staleAfterDays)
	groups, err := wd.store.StaleFolderGroups(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, groupID := range groups {
		_, err := wd.runtime.Submit(ctx, SubmitRequest{
			Type:    types.TaskTypeSync,
			UserID:  0, // system
			Role:    types.RoleAdmin,
			GroupID: groupID,
			Payload: Payload{Strategy: "check"},
		})
		if err != nil {
			wd.logger.Error().Err(err).Str("group_id", groupID).
				Msg("Failed to submit keep-alive probe")
		}
	}

	if len(groups) > 0 {
		wd.logger.Info().Int("groups", len(groups)).Msg("Submitted keep-alive probes")
	}
	return nil
}
