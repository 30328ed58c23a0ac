package scraper

import (
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"tori-watcher/pkg/watcher"
)

// dateLayout is the site's "DD.MM.YYYY HH:MM" timestamp format.
const dateLayout = "02.01.2006 15:04"

// nextLinkText is the anchor text of the "next page" link.
const nextLinkText = "seuraava"

// The site is UTF-8, but a misdetected charset turns "ä" into two runes.
var (
	postedRegex  = regexp.MustCompile(`Lis\S{1,2}tty:\s*(\d{2}\.\d{2}\.\d{4})\s+(\d{2}:\d{2})`)
	updatedRegex = regexp.MustCompile(`Muokattu:\s*(\d{2}\.\d{2}\.\d{4})\s+(\d{2}:\d{2})`)
)

// ExtractListings parses one search results page into listings in document order.
// It never fails: rows without a title link are skipped, and a missing or
// unparsable date falls back to now.
func ExtractListings(r io.Reader, base *url.URL, now time.Time, loc *time.Location) []*watcher.Listing {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	var listings []*watcher.Listing
	doc.Find("tr.bg2").Each(func(_ int, row *goquery.Selection) {
		anchor := row.Find("td.tori_title a[href]").First()
		if anchor.Length() == 0 {
			return
		}
		href, _ := anchor.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}

		var meta []string
		row.Find("[title]").Each(func(_ int, s *goquery.Selection) {
			if t, ok := s.Attr("title"); ok {
				meta = append(meta, t)
			}
		})
		joined := strings.Join(meta, "\n")

		posted, _ := parseStamp(postedRegex, joined, now, loc)
		updated, edited := parseStamp(updatedRegex, joined, now, loc)
		listings = append(listings, &watcher.Listing{
			Title:     strings.Join(strings.Fields(anchor.Text()), " "),
			URL:       base.ResolveReference(ref).String(),
			PostedAt:  posted,
			UpdatedAt: updated,
			Edited:    edited,
		})
	})

	return listings
}

// parseStamp reports false when it returns the fallback.
func parseStamp(re *regexp.Regexp, s string, fallback time.Time, loc *time.Location) (time.Time, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return fallback, false
	}
	t, err := time.ParseInLocation(dateLayout, m[1]+" "+m[2], loc)
	if err != nil {
		return fallback, false
	}
	return t, true
}

// NextPage finds the "next page" link and returns its query parameters
// without the per-response checksum, which the endpoint rejects when stale.
func NextPage(r io.Reader) (url.Values, bool) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, false
	}

	var next url.Values
	found := false
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(a.Text()), nextLinkText) {
			return true
		}
		href, _ := a.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		// ParseQuery keeps every well-formed pair even when it reports an error.
		params, _ := url.ParseQuery(u.RawQuery)
		params.Del("checksum")
		next = params
		found = true
		return false
	})

	return next, found
}
