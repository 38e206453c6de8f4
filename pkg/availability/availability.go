// Package availability contains the core domain types for the CENT@CASA/HOME alert service.
package availability

import (
	"sort"
	"time"
)

// BookingURL is the CISIA login page students use to book a session.
const BookingURL = "https://testcisia.it/studenti_tolc/login_sso.php"

// KeySeparator joins university and test date in an identity key.
const KeySeparator = "|"

// Record represents one CENT@CASA/HOME session row from the calendar table.
// Text fields are copied verbatim from the page and may be empty or "N/A".
type Record struct {
	ScrapedAt  time.Time `json:"scraped_at"`
	TestType   string    `json:"test_type"`
	University string    `json:"university"`
	City       string    `json:"city"`
	Deadline   string    `json:"deadline"`
	Spots      string    `json:"spots"`
	TestDate   string    `json:"test_date"`
	Available  bool      `json:"available"` // Booking link present
}

// Key returns the identity key of the session. Two records with the same key
// are the same slot, whatever their other fields say.
func (r *Record) Key() string {
	return r.University + KeySeparator + r.TestDate
}

// Set holds the identity keys of the sessions that were bookable at the end of a poll.
type Set map[string]struct{}

// Keys builds the set of identity keys of the available records.
func Keys(records []*Record) Set {
	set := make(Set, len(records))
	for _, r := range records {
		if r == nil || !r.Available {
			continue
		}
		set[r.Key()] = struct{}{}
	}
	return set
}

// Has reports whether key is in the set. A nil set is empty.
func (s Set) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Len returns the number of keys.
func (s Set) Len() int {
	return len(s)
}

// Sorted returns the keys in lexical order, mostly for logs and tests.
func (s Set) Sorted() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Available filters records down to the bookable ones.
func Available(records []*Record) []*Record {
	var out []*Record
	for _, r := range records {
		if r != nil && r.Available {
			out = append(out, r)
		}
	}
	return out
}
