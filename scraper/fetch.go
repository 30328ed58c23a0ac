package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxBodySize bounds a single results page.
const maxBodySize = 8 << 20

// Page is one raw search results page.
type Page struct {
	Next    url.Values // Continuation parameters, set when HasNext
	Body    []byte
	HasNext bool
}

// FetchError indicates a failed page request: transport error or non-2xx status.
type FetchError struct {
	Err        error
	URL        string
	StatusCode int // 0 when no response was received
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError checks if an error is a page fetch error.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// FetchPage performs one search request. A nil cont requests the first page
// for text; otherwise cont is sent as-is.
func (s *Scraper) FetchPage(ctx context.Context, text string, cont url.Values) (*Page, error) {
	params := cont
	if params == nil {
		params = url.Values{"keyword": {text}}
	}

	u := *s.searchURL
	u.RawQuery = params.Encode()
	pageURL := u.String()

	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	s.logger.InfoContext(ctx, "HTTP request starting",
		"method", "POST",
		"url", pageURL,
		"purpose", "fetch_search_page")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pageURL, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: fmt.Errorf("create request: %w", err)}
	}

	// Set essential Chrome-like headers to avoid getting blocked
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "fi-FI,fi;q=0.9,en;q=0.8")
	req.Header.Set("Cache-Control", "max-age=0")

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		s.logger.WarnContext(ctx, "HTTP request failed",
			"url", pageURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, &FetchError{URL: pageURL, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.WarnContext(ctx, "Failed to close response body", "error", closeErr)
		}
	}()

	s.logger.InfoContext(ctx, "HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: pageURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{URL: pageURL, Err: fmt.Errorf("read body: %w", err)}
	}

	next, hasNext := NextPage(bytes.NewReader(body))
	return &Page{Body: body, Next: next, HasNext: hasNext}, nil
}
