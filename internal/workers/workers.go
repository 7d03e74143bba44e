// Package workers implements background job processing for tasks such as embed
// unfurling, media transcoding, expired session cleanup, and federation message
// delivery retry. Workers consume jobs from NATS JetStream queues.
package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/amityvox/amityvox/internal/automod"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/media"
	"github.com/amityvox/amityvox/internal/notifications"
	"github.com/amityvox/amityvox/internal/retention"
	"github.com/amityvox/amityvox/internal/search"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config bundles the collaborators a Manager dispatches background work
// through. Any field may be nil; workers that depend on a nil collaborator
// log and skip rather than panicking, so partial deployments (e.g. search
// disabled) still start cleanly.
type Config struct {
	Pool          *pgxpool.Pool
	Bus           *events.Bus
	Search        *search.Service
	AutoMod       *automod.Service
	Notifications *notifications.Service
	Media         *media.Service
	Retention     *retention.Service
	Logger        *slog.Logger
}

// Manager owns every background worker goroutine in the process: event-bus
// subscribers, periodic sweeps, and the media retention reclamation loop. It
// is started once at boot and stopped once at shutdown.
type Manager struct {
	pool          *pgxpool.Pool
	bus           *events.Bus
	search        *search.Service
	automod       *automod.Service
	notifications *notifications.Service
	media         *media.Service
	retention     *retention.Service
	logger        *slog.Logger

	wg sync.WaitGroup
}

// New constructs a Manager from cfg. It does not start any goroutines; call
// Start for that.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pool:          cfg.Pool,
		bus:           cfg.Bus,
		search:        cfg.Search,
		automod:       cfg.AutoMod,
		notifications: cfg.Notifications,
		media:         cfg.Media,
		retention:     cfg.Retention,
		logger:        logger,
	}
}

// Start launches every background worker goroutine. It returns immediately;
// workers run until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if m.bus != nil {
		m.startAutomodWorker(ctx)
		m.startNotificationWorker(ctx)
		m.startBookmarkReminderWorker(ctx)
		m.startEventReminderWorker(ctx)
		m.startTranscodeWorker(ctx)
		m.startEmbedWorker(ctx)
	}

	if m.pool != nil {
		m.startPeriodic(ctx, "ban-cleanup", 5*time.Minute, m.cleanExpiredBans)
		m.startPeriodic(ctx, "data-retention-policies", time.Hour, m.runRetentionPolicies)
		m.startPeriodic(ctx, "expired-key-packages", time.Hour, func(ctx context.Context) error {
			return m.cleanExpiredKeyPackages(ctx)
		})
	}

	if m.retention != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.logger.Info("media retention reclamation worker started")
			m.retention.Worker().Start(ctx)
		}()
	}

	m.logger.Info("worker manager started")
}

// Stop stops the media retention worker explicitly and then waits for every
// worker goroutine to exit. The other workers exit only when the ctx passed
// to Start is cancelled.
func (m *Manager) Stop() {
	if m.retention != nil {
		m.retention.Worker().Stop()
	}
	m.wg.Wait()
}

// startPeriodic runs fn every interval until ctx is cancelled, logging
// (not halting on) any error fn returns.
func (m *Manager) startPeriodic(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.logger.Info("periodic worker started", slog.String("name", name))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					m.logger.Error("periodic worker tick failed",
						slog.String("name", name),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
}

// eventData unmarshals event.Data into a generic map, returning nil if Data
// is absent or not valid JSON.
func eventData(event events.Event) map[string]interface{} {
	if len(event.Data) == 0 {
		return nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil
	}
	return data
}
