// Package watcher contains the core domain types for the tori watcher service.
package watcher

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrEmptyQueryText is returned when a query with no search text is added.
	ErrEmptyQueryText = errors.New("query text is empty")
	// ErrDuplicateQuery is returned when a subscriber already has a query with the same text.
	ErrDuplicateQuery = errors.New("query already exists")
	// ErrNotFound is returned when a subscriber or query is no longer present.
	ErrNotFound = errors.New("not found")
	// ErrSubscriberExists is returned when registering an already registered subscriber.
	ErrSubscriberExists = errors.New("subscriber already exists")
)

// NeverExecuted is the LastExecutedAt of a freshly added query.
// It predates any realistic cooldown so a new query is due right away.
var NeverExecuted = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Query is one stored marketplace search of a subscriber.
type Query struct {
	LastExecutedAt time.Time `json:"last_executed_at"` // When the last successful run completed
	Text           string    `json:"text"`             // Search keywords
	ID             int       `json:"id"`               // Unique within the subscriber
}

// Subscriber is one chat registered with the service.
type Subscriber struct {
	CreatedAt   time.Time `json:"created_at"`
	ID          string    `json:"id"`           // Chat ID
	DisplayName string    `json:"display_name"` // Chat username, informational only
	Queries     []*Query  `json:"queries"`
}

// Query returns the query with the given id, or nil.
func (s *Subscriber) Query(id int) *Query {
	for _, q := range s.Queries {
		if q.ID == id {
			return q
		}
	}
	return nil
}

// HasText reports whether the subscriber already has a query with this text.
func (s *Subscriber) HasText(text string) bool {
	for _, q := range s.Queries {
		if q.Text == text {
			return true
		}
	}
	return false
}

// NextQueryID returns the smallest non-negative id not used by any query.
func (s *Subscriber) NextQueryID() int {
	return NextID(s.queryIDs())
}

func (s *Subscriber) queryIDs() []int {
	ids := make([]int, 0, len(s.Queries))
	for _, q := range s.Queries {
		ids = append(ids, q.ID)
	}
	return ids
}

// NextID returns the smallest non-negative integer missing from used.
func NextID(used []int) int {
	taken := make(map[int]bool, len(used))
	for _, id := range used {
		taken[id] = true
	}
	for id := 0; ; id++ {
		if !taken[id] {
			return id
		}
	}
}

// Clone returns a deep copy so callers never share the store's state.
func (s *Subscriber) Clone() *Subscriber {
	c := *s
	c.Queries = make([]*Query, 0, len(s.Queries))
	for _, q := range s.Queries {
		qc := *q
		c.Queries = append(c.Queries, &qc)
	}
	return &c
}

// SortQueries orders queries by id.
func (s *Subscriber) SortQueries() {
	slices.SortFunc(s.Queries, func(a, b *Query) int { return a.ID - b.ID })
}

// Listing is one marketplace result extracted from a search page.
type Listing struct {
	PostedAt  time.Time
	UpdatedAt time.Time
	Title     string
	URL       string
	Edited    bool // UpdatedAt came from the page rather than the extraction time
}

// ChangedAt is when the listing last changed: the edit stamp of an edited
// listing, otherwise the posting stamp.
func (l *Listing) ChangedAt() time.Time {
	if l.Edited {
		return l.UpdatedAt
	}
	return l.PostedAt
}

// SearchTask is one due query queued for a scheduling cycle.
type SearchTask struct {
	LastExecutedAt time.Time // Snapshot of the query's timestamp when the task was built
	DueAt          time.Time
	SubscriberID   string
	QueryText      string
	QueryID        int
}
