// Package selector implements the Selector (C5): picks the best ready
// account for a given model by scoring quota, usage, and recency.
package selector

import (
	"sort"
	"time"

	"github.com/antigravity-relay/relay/internal/account"
)

const exhaustedThreshold = 0.01

// Store is the subset of account.Store the Selector consults.
type Store interface {
	ExpireCooldowns()
	ReadyAccounts() []account.Account
}

// Selector is C5.
type Selector struct {
	store Store
}

func New(store Store) *Selector {
	return &Selector{store: store}
}

// Pick returns the id of the best ready account for model (model may be
// empty, in which case the quota component is skipped), or false if the
// pool has no ready account (spec §4.5).
func (s *Selector) Pick(model string, exclude map[string]bool) (string, bool) {
	s.store.ExpireCooldowns()
	ready := s.store.ReadyAccounts()
	if len(ready) == 0 {
		return "", false
	}

	now := time.Now().UnixMilli()
	type scored struct {
		id    string
		score float64
		order int
	}
	candidates := make([]scored, 0, len(ready))
	for i, a := range ready {
		if exclude[a.ID] {
			continue
		}
		candidates = append(candidates, scored{id: a.ID, score: score(a, model, now), order: i})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})

	return candidates[0].id, true
}

func score(a account.Account, model string, nowMs int64) float64 {
	var total float64

	if model != "" {
		if entry, ok := a.QuotaFor(model); ok {
			total += 1000 * entry.RemainingFraction
			if entry.RemainingFraction <= exhaustedThreshold {
				total -= 5000
			}
		}
	}

	total -= 0.1 * float64(a.RequestCount)

	if a.LastUsedMs == 0 {
		total += 4000
	} else {
		secondsSince := float64(nowMs-a.LastUsedMs) / 1000
		if secondsSince > 3600 {
			secondsSince = 3600
		}
		if secondsSince < 0 {
			secondsSince = 0
		}
		total += secondsSince
	}

	return total
}
