// Package quota implements the Quota Tracker (C4): on-demand per-account
// per-model remaining-fraction fetch and cache.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/antigravity-relay/relay/internal/account"
)

const (
	fetchTimeout       = 30 * time.Second
	exhaustedThreshold = 0.01
)

type poster interface {
	PostJSON(ctx context.Context, acctID, path string, body []byte) ([]byte, error)
}

type fetchAvailableModelsRequest struct {
	Project string `json:"project"`
}

type fetchAvailableModelsResponse struct {
	Models []modelEntry `json:"models"`
}

type modelEntry struct {
	Name      string     `json:"name"`
	QuotaInfo *quotaInfo `json:"quotaInfo"`
}

type quotaInfo struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         int64   `json:"resetTime"`
}

// ModelStatus is the per-model read shape returned by Snapshot.
type ModelStatus struct {
	ModelName         string
	RemainingFraction float64
	ResetMs           int64
	HasReset          bool
	Status            string // "available" | "exhausted"
}

// AccountSnapshot is the per-account read shape returned by Snapshot.
type AccountSnapshot struct {
	AccountID     string
	Models        []ModelStatus
	LastFetchedMs int64
}

// accountStore is the subset of account.Store the tracker needs.
type accountStore interface {
	Get(id string) (account.Account, bool)
	SetQuota(id, model string, entry account.QuotaEntry)
	Quota(id string) map[string]account.QuotaEntry
}

// Tracker is the Quota Tracker (C4).
type Tracker struct {
	store  accountStore
	client poster

	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

func NewTracker(store accountStore, client poster) *Tracker {
	return &Tracker{store: store, client: client, inFlight: make(map[string]chan struct{})}
}

// Refresh fetches and caches quota for a single account (spec §4.4), single
// flighted per account.
func (t *Tracker) Refresh(ctx context.Context, acctID string) error {
	t.mu.Lock()
	if ch, ok := t.inFlight[acctID]; ok {
		t.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	t.inFlight[acctID] = ch
	t.mu.Unlock()

	err := t.doFetch(ctx, acctID)

	t.mu.Lock()
	delete(t.inFlight, acctID)
	t.mu.Unlock()
	close(ch)

	return err
}

func (t *Tracker) doFetch(ctx context.Context, acctID string) error {
	acct, ok := t.store.Get(acctID)
	if !ok {
		return fmt.Errorf("unknown account %s", acctID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	reqBody, _ := json.Marshal(fetchAvailableModelsRequest{Project: acct.ProjectID()})
	respBody, err := t.client.PostJSON(fetchCtx, acctID, ":fetchAvailableModels", reqBody)
	if err != nil {
		return fmt.Errorf("fetchAvailableModels: %w", err)
	}

	var parsed fetchAvailableModelsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("decode fetchAvailableModels response: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, m := range parsed.Models {
		if m.QuotaInfo == nil {
			continue
		}
		entry := account.QuotaEntry{
			RemainingFraction: m.QuotaInfo.RemainingFraction,
			ResetMs:           m.QuotaInfo.ResetTime,
			LastFetchedMs:     now,
		}
		t.store.SetQuota(acctID, m.Name, entry)
	}
	return nil
}

// RefreshAll fans out Refresh across the given accounts concurrently,
// gathering all results and ignoring individual failures (spec §4.4).
func (t *Tracker) RefreshAll(ctx context.Context, acctIDs []string) {
	var wg sync.WaitGroup
	for _, id := range acctIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = t.Refresh(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Snapshot returns the read shape of spec §4.4 for the given accounts.
func (t *Tracker) Snapshot(acctIDs []string) []AccountSnapshot {
	out := make([]AccountSnapshot, 0, len(acctIDs))
	for _, id := range acctIDs {
		entries := t.store.Quota(id)
		models := make([]ModelStatus, 0, len(entries))
		var lastFetched int64
		for name, e := range entries {
			status := "available"
			if e.RemainingFraction <= exhaustedThreshold {
				status = "exhausted"
			}
			models = append(models, ModelStatus{
				ModelName:         name,
				RemainingFraction: e.RemainingFraction,
				ResetMs:           e.ResetMs,
				HasReset:          e.ResetMs > 0,
				Status:            status,
			})
			if e.LastFetchedMs > lastFetched {
				lastFetched = e.LastFetchedMs
			}
		}
		sort.Slice(models, func(i, j int) bool { return models[i].ModelName < models[j].ModelName })
		out = append(out, AccountSnapshot{AccountID: id, Models: models, LastFetchedMs: lastFetched})
	}
	return out
}
