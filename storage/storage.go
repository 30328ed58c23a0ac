// Package storage handles persistence of subscribers and their queries.
//
// Each subscriber is one JSON document held by a Backend. The Store keeps the
// whole data set in memory behind a single mutex and writes a document through
// to the backend before any change becomes visible.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"tori-watcher/pkg/watcher"
)

var subscriberIDRegex = regexp.MustCompile(`^-?[0-9A-Za-z_]{1,64}$`)

// SubscriptionKey generates a stable document name from a subscriber id.
// Returns "" for ids that are not safe to use as a file name.
func SubscriptionKey(id string) string {
	if !subscriberIDRegex.MatchString(id) {
		return ""
	}
	return fmt.Sprintf("sub-%s.json", id)
}

// Store is the document-backed query store.
type Store struct {
	backend Backend
	logger  *slog.Logger
	subs    map[string]*watcher.Subscriber
	mu      sync.Mutex
}

// Open loads every subscriber document from backend.
// Documents that cannot be read or decoded are logged and skipped.
func Open(ctx context.Context, backend Backend, logger *slog.Logger) (*Store, error) {
	keys, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	s := &Store{
		backend: backend,
		logger:  logger,
		subs:    make(map[string]*watcher.Subscriber, len(keys)),
	}
	for _, key := range keys {
		sub, err := s.load(ctx, key)
		if err != nil {
			logger.Warn("Failed to load subscriber", "key", key, "error", err)
			continue
		}
		s.subs[sub.ID] = sub
	}

	logger.Info("Store opened", "subscribers", len(s.subs))
	return s, nil
}

func (s *Store) load(ctx context.Context, key string) (*watcher.Subscriber, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var sub watcher.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	if SubscriptionKey(sub.ID) != key {
		return nil, fmt.Errorf("document id %q does not match key", sub.ID)
	}
	sub.SortQueries()
	return &sub, nil
}

func (s *Store) save(ctx context.Context, sub *watcher.Subscriber) error {
	key := SubscriptionKey(sub.ID)
	if key == "" {
		return fmt.Errorf("invalid subscriber id %q", sub.ID)
	}
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("persist subscriber: %w", err)
	}
	return nil
}

// update applies fn to a copy of the subscriber, persists the copy and only
// then swaps it in. Must be called with s.mu held.
func (s *Store) update(ctx context.Context, id string, fn func(*watcher.Subscriber) error) error {
	cur, ok := s.subs[id]
	if !ok {
		return watcher.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.save(ctx, next); err != nil {
		return err
	}
	s.subs[id] = next
	return nil
}

// ListDueQueries returns every query whose cooldown has elapsed at now,
// ordered by subscriber id then query id.
func (s *Store) ListDueQueries(_ context.Context, now time.Time, cooldown time.Duration) ([]watcher.SearchTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var tasks []watcher.SearchTask
	for _, id := range ids {
		for _, q := range s.subs[id].Queries {
			if now.Sub(q.LastExecutedAt) < cooldown {
				continue
			}
			tasks = append(tasks, watcher.SearchTask{
				SubscriberID:   id,
				QueryID:        q.ID,
				QueryText:      q.Text,
				LastExecutedAt: q.LastExecutedAt,
				DueAt:          q.LastExecutedAt.Add(cooldown),
			})
		}
	}
	return tasks, nil
}

// RecordSuccess stamps a query as executed at completedAt.
// A query removed in the meantime is not an error. An older completedAt than
// the stored one is ignored.
func (s *Store) RecordSuccess(ctx context.Context, subscriberID string, queryID int, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriberID]
	if !ok || sub.Query(queryID) == nil {
		s.logger.Debug("Skipping success record for removed query", "subscriber", subscriberID, "query_id", queryID)
		return nil
	}
	completedAt = completedAt.UTC()
	if !completedAt.After(sub.Query(queryID).LastExecutedAt) {
		return nil
	}

	return s.update(ctx, subscriberID, func(next *watcher.Subscriber) error {
		next.Query(queryID).LastExecutedAt = completedAt
		return nil
	})
}

// AddQuery stores a new query and returns its id.
func (s *Store) AddQuery(ctx context.Context, subscriberID, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, watcher.ErrEmptyQueryText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int
	err := s.update(ctx, subscriberID, func(next *watcher.Subscriber) error {
		if next.HasText(text) {
			return watcher.ErrDuplicateQuery
		}
		id = next.NextQueryID()
		next.Queries = append(next.Queries, &watcher.Query{
			ID:             id,
			Text:           text,
			LastExecutedAt: watcher.NeverExecuted,
		})
		next.SortQueries()
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Query added", "subscriber", subscriberID, "query_id", id, "text", text)
	return id, nil
}

// RemoveQuery deletes one query and returns it.
func (s *Store) RemoveQuery(ctx context.Context, subscriberID string, queryID int) (watcher.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed watcher.Query
	err := s.update(ctx, subscriberID, func(next *watcher.Subscriber) error {
		i := slices.IndexFunc(next.Queries, func(q *watcher.Query) bool { return q.ID == queryID })
		if i < 0 {
			return watcher.ErrNotFound
		}
		removed = *next.Queries[i]
		next.Queries = slices.Delete(next.Queries, i, i+1)
		return nil
	})
	if err != nil {
		return watcher.Query{}, err
	}

	s.logger.Info("Query removed", "subscriber", subscriberID, "query_id", queryID)
	return removed, nil
}

// ClearQueries removes all of a subscriber's queries.
func (s *Store) ClearQueries(ctx context.Context, subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, subscriberID, func(next *watcher.Subscriber) error {
		next.Queries = []*watcher.Query{}
		return nil
	})
}

// AddSubscriber registers a new subscriber with no queries.
func (s *Store) AddSubscriber(ctx context.Context, subscriberID, displayName string) (*watcher.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[subscriberID]; ok {
		return nil, watcher.ErrSubscriberExists
	}
	sub := &watcher.Subscriber{
		ID:          subscriberID,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
		Queries:     []*watcher.Query{},
	}
	if err := s.save(ctx, sub); err != nil {
		return nil, err
	}
	s.subs[subscriberID] = sub

	s.logger.Info("Subscriber added", "subscriber", subscriberID, "display_name", displayName)
	return sub.Clone(), nil
}

// Subscriber returns a copy of one subscriber.
func (s *Store) Subscriber(_ context.Context, subscriberID string) (*watcher.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriberID]
	if !ok {
		return nil, watcher.ErrNotFound
	}
	return sub.Clone(), nil
}

// RemoveSubscriber deletes a subscriber and all of its queries.
func (s *Store) RemoveSubscriber(ctx context.Context, subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[subscriberID]; !ok {
		return watcher.ErrNotFound
	}
	if err := s.backend.Delete(ctx, SubscriptionKey(subscriberID)); err != nil && !errors.Is(err, ErrObjectNotExist) {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	delete(s.subs, subscriberID)

	s.logger.Info("Subscriber removed", "subscriber", subscriberID)
	return nil
}
