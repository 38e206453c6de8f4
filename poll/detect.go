package poll

import "cents-notifier/pkg/availability"

// Detect compares freshly fetched records with the keys that were available
// after the previous poll. It returns the available records whose key was not
// in previous, and the set of currently available keys that the caller keeps
// for the next poll. Neither input is modified.
//
// A key is reported at most once per call even if the page lists it twice.
func Detect(records []*availability.Record, previous availability.Set) ([]*availability.Record, availability.Set) {
	current := availability.Keys(records)

	var fresh []*availability.Record
	reported := make(map[string]bool)
	for _, r := range records {
		if r == nil || !r.Available {
			continue
		}
		key := r.Key()
		if previous.Has(key) || reported[key] {
			continue
		}
		reported[key] = true
		fresh = append(fresh, r)
	}

	return fresh, current
}
