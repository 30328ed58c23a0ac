// Package poll runs stored queries against the marketplace and notifies subscribers.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"tori-watcher/logger"
	"tori-watcher/pkg/watcher"
)

// Searcher runs one marketplace search over every result page.
type Searcher interface {
	Search(ctx context.Context, text string) ([]*watcher.Listing, error)
}

// Store is the part of the query store the scheduler needs.
type Store interface {
	ListDueQueries(ctx context.Context, now time.Time, cooldown time.Duration) ([]watcher.SearchTask, error)
	RecordSuccess(ctx context.Context, subscriberID string, queryID int, executedAt time.Time) error
}

// Notifier delivers one listing to one subscriber.
type Notifier interface {
	Notify(ctx context.Context, subscriberID, queryText string, listing *watcher.Listing) error
}

// Config holds the scheduler timing.
type Config struct {
	MonitorInterval time.Duration // Sleep between cycles
	Cooldown        time.Duration // Minimum age of a query's last run before it is due again
	Pacing          time.Duration // Pause between the end of one search and the start of the next
}

// Scheduler executes due queries one at a time.
type Scheduler struct {
	searcher Searcher
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
	cycleMu  sync.Mutex // one cycle at a time
}

// New creates a new scheduler.
func New(searcher Searcher, store Store, notifier Notifier, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		searcher: searcher,
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		cfg:      cfg,
	}
}

// Run loops CheckAll until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		"monitor_interval", s.cfg.MonitorInterval.String(),
		"cooldown", s.cfg.Cooldown.String(),
		"pacing", s.cfg.Pacing.String())

	for {
		if err := s.CheckAll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduler cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-time.After(s.cfg.MonitorInterval):
		}
	}
}

// CheckAll runs one cycle over every due query.
// A concurrent caller waits for the running cycle to finish first.
func (s *Scheduler) CheckAll(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	ctx = logger.Ctx(ctx, slog.String("cycle_id", uuid.NewString()))

	tasks, err := s.store.ListDueQueries(ctx, s.now(), s.cfg.Cooldown)
	if err != nil {
		return fmt.Errorf("list due queries: %w", err)
	}
	if len(tasks) == 0 {
		s.logger.DebugContext(ctx, "No queries due")
		return nil
	}

	s.logger.InfoContext(ctx, "Checking due queries", "count", len(tasks))

	var failed int
	for i, task := range tasks {
		if i > 0 {
			if err := pause(ctx, s.cfg.Pacing); err != nil {
				s.logger.InfoContext(ctx, "Context cancelled, stopping cycle", "error", err)
				return err
			}
		} else if err := ctx.Err(); err != nil {
			s.logger.InfoContext(ctx, "Context cancelled, stopping cycle", "error", err)
			return err
		}

		taskCtx := logger.Ctx(ctx,
			slog.String("subscriber", task.SubscriberID),
			slog.Int("query_id", task.QueryID))
		if err := s.runTask(taskCtx, task); err != nil {
			failed++
			s.logger.WarnContext(taskCtx, "Query check failed", "query", task.QueryText, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "Query check completed",
		"checked", len(tasks),
		"failed", failed)
	return nil
}

// runTask searches one query, records the run and sends the new listings.
// A panic is turned into an error so the cycle can move on.
func (s *Scheduler) runTask(ctx context.Context, task watcher.SearchTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "Recovered panic in query check", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	// Anything changed after this instant may be missing from the pages.
	startedAt := s.now()
	listings, err := s.searcher.Search(ctx, task.QueryText)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if err := s.store.RecordSuccess(ctx, task.SubscriberID, task.QueryID, startedAt); err != nil {
		// Unrecorded runs stay due; their listings go out next cycle.
		return fmt.Errorf("record success: %w", err)
	}

	fresh := newListings(listings, task.LastExecutedAt)
	s.logger.InfoContext(ctx, "Query checked",
		"query", task.QueryText,
		"listings", len(listings),
		"new", len(fresh),
		"previous_run", task.LastExecutedAt.Format(time.RFC3339))

	for _, l := range fresh {
		if err := s.notifier.Notify(ctx, task.SubscriberID, task.QueryText, l); err != nil {
			s.logger.WarnContext(ctx, "Notification failed", "listing_url", l.URL, "error", err)
		}
	}
	return nil
}

// newListings keeps the listings that changed in or after the minute of since,
// preserving order. Site stamps have minute resolution.
func newListings(listings []*watcher.Listing, since time.Time) []*watcher.Listing {
	cutoff := since.Truncate(time.Minute)
	var out []*watcher.Listing
	for _, l := range listings {
		if !l.ChangedAt().Before(cutoff) {
			out = append(out, l)
		}
	}
	return out
}

// pause waits d, or returns early with the context's error.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
