// Package scraper handles fetching and parsing marketplace search result pages.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"tori-watcher/pkg/watcher"
)

const (
	// DefaultSearchURL is the marketplace search endpoint.
	DefaultSearchURL = "https://muusikoiden.net/tori/haku.php"
	// DefaultSiteURL is the base that relative listing links resolve against.
	DefaultSiteURL = "https://muusikoiden.net"
	// DefaultMaxPages caps the result pages followed for one search.
	DefaultMaxPages = 100
)

// Config holds scraper settings. Zero values fall back to defaults.
type Config struct {
	Location     *time.Location // Zone of the site's timestamps
	SearchURL    string
	SiteURL      string // Base for resolving listing links
	FetchTimeout time.Duration
	MaxPages     int
}

// Scraper runs marketplace searches across all result pages.
type Scraper struct {
	client       *http.Client
	logger       *slog.Logger
	searchURL    *url.URL
	siteURL      *url.URL
	location     *time.Location
	now          func() time.Time
	fetchTimeout time.Duration
	maxPages     int
}

// New creates a new scraper.
func New(client *http.Client, logger *slog.Logger, cfg Config) (*Scraper, error) {
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = DefaultSiteURL
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}

	searchURL, err := url.Parse(cfg.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	siteURL, err := url.Parse(cfg.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("parse site url: %w", err)
	}

	return &Scraper{
		client:       client,
		logger:       logger,
		searchURL:    searchURL,
		siteURL:      siteURL,
		location:     cfg.Location,
		now:          time.Now,
		fetchTimeout: cfg.FetchTimeout,
		maxPages:     cfg.MaxPages,
	}, nil
}

// Search fetches every result page for text and returns the listings oldest first.
//
// A failure on the first page returns the error and no listings. A failure on a
// later page ends the walk early; the listings gathered so far are returned.
func (s *Scraper) Search(ctx context.Context, text string) ([]*watcher.Listing, error) {
	var (
		listings []*watcher.Listing
		cont     url.Values
	)

	for page := 0; ; page++ {
		if page >= s.maxPages {
			s.logger.WarnContext(ctx, "Page limit reached, stopping pagination",
				"query", text,
				"max_pages", s.maxPages)
			break
		}

		p, err := s.FetchPage(ctx, text, cont)
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("fetch first page: %w", err)
			}
			s.logger.WarnContext(ctx, "Failed to fetch next page, keeping partial results",
				"query", text,
				"page", page,
				"listings_so_far", len(listings),
				"error", err)
			break
		}

		found := ExtractListings(bytes.NewReader(p.Body), s.siteURL, s.now(), s.location)
		listings = append(listings, found...)

		s.logger.InfoContext(ctx, "Search page parsed",
			"query", text,
			"page", page,
			"listings_on_page", len(found),
			"has_next", p.HasNext)

		if !p.HasNext {
			break
		}
		cont = p.Next
	}

	// Pages are newest first; reverse the whole set into chronological order.
	slices.Reverse(listings)
	return listings, nil
}
