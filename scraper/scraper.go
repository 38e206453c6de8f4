// Package scraper handles fetching and parsing the CISIA CENT@CASA calendar page.
package scraper

import (
	"cents-notifier/pkg/availability"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultURL is the CENT-S calendar (English version).
const DefaultURL = "https://testcisia.it/calendario.php?tolc=cents&lingua=inglese"

const (
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultTimeout   = 15 * time.Second
	minCells         = 8
)

// Column layout of the calendar table. This is a contract with the upstream page.
const (
	colTestType   = 0
	colUniversity = 1
	colCity       = 3
	colDeadline   = 4
	colSpots      = 5
	colBooking    = 6
	colTestDate   = 7
)

// homeMarkers identify CENT@CASA / CENT@HOME sessions in the test type column.
var homeMarkers = []string{"CASA", "HOME", "@"}

// ErrNoTable indicates the page did not contain the calendar table.
var ErrNoTable = errors.New("no table found in page")

// StatusError indicates a non-200 response from the calendar page.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Scraper fetches and parses the calendar page.
type Scraper struct {
	client    *http.Client
	logger    *slog.Logger
	url       string
	attempts  uint
	baseDelay time.Duration
	timeout   time.Duration
	now       func() time.Time
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithURL overrides the calendar URL.
func WithURL(u string) Option {
	return func(s *Scraper) { s.url = u }
}

// WithAttempts sets the maximum number of fetch attempts.
func WithAttempts(n uint) Option {
	return func(s *Scraper) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithBaseDelay sets the delay before the second attempt. It doubles on every retry.
func WithBaseDelay(d time.Duration) Option {
	return func(s *Scraper) { s.baseDelay = d }
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scraper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a new scraper.
func New(client *http.Client, logger *slog.Logger, opts ...Option) *Scraper {
	s := &Scraper{
		client:    client,
		logger:    logger,
		url:       DefaultURL,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		timeout:   defaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch retrieves the calendar and returns the CENT@CASA/HOME sessions found on it.
// It never returns an error: when every attempt fails it logs the failure and
// returns ok=false with no records.
func (s *Scraper) Fetch(ctx context.Context) (records []*availability.Record, ok bool) {
	start := time.Now()

	err := retry.Do(
		func() error {
			var fetchErr error
			records, fetchErr = s.fetchOnce(ctx)
			return fetchErr
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("Calendar fetch failed, retrying",
				"attempt", n+1,
				"max_attempts", s.attempts,
				"error", err)
		}),
	)
	if err != nil {
		s.logger.Error("Failed to scrape calendar after retries",
			"url", s.url,
			"attempts", s.attempts,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil, false
	}

	s.logger.Info("Scraped CENT@CASA/HOME sessions",
		"count", len(records),
		"available", len(availability.Available(records)),
		"duration_ms", time.Since(start).Milliseconds())
	return records, true
}

func (s *Scraper) fetchOnce(ctx context.Context) ([]*availability.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Debug("HTTP request starting", "method", "GET", "url", s.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	setBrowserHeaders(req)

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("get calendar: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	s.logger.Debug("HTTP request completed",
		"url", s.url,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: s.url, StatusCode: resp.StatusCode}
	}

	return parseCalendar(resp.Body, s.now())
}

// setBrowserHeaders sets Chrome-like headers; the site blocks obvious bots.
func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

func parseCalendar(body io.Reader, scrapedAt time.Time) ([]*availability.Record, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, ErrNoTable
	}

	var records []*availability.Record
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return // header
		}
		if r := parseRow(row, scrapedAt); r != nil {
			records = append(records, r)
		}
	})

	return records, nil
}

// parseRow returns nil for rows that are short or not home sessions.
func parseRow(row *goquery.Selection, scrapedAt time.Time) *availability.Record {
	cells := row.Find("td")
	if cells.Length() < minCells {
		return nil
	}

	cell := func(i int) *goquery.Selection { return cells.Eq(i) }
	text := func(i int) string { return strings.TrimSpace(cell(i).Text()) }

	testType := text(colTestType)
	if !isHomeSession(testType) {
		return nil
	}

	return &availability.Record{
		TestType:   testType,
		University: text(colUniversity),
		City:       text(colCity),
		Deadline:   text(colDeadline),
		Spots:      text(colSpots),
		Available:  cell(colBooking).Find("a").Length() > 0,
		TestDate:   text(colTestDate),
		ScrapedAt:  scrapedAt,
	}
}

func isHomeSession(testType string) bool {
	upper := strings.ToUpper(testType)
	for _, marker := range homeMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
