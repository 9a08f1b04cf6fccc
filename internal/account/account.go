// Package account owns the credential pool: the set of upstream accounts,
// their OAuth tokens, discovered project ids, and health/cooldown state.
package account

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of an Account.
type Status string

const (
	StatusReady    Status = "ready"
	StatusCooldown Status = "cooldown"
	StatusError    Status = "error"
)

// Credential is the input shape used to add or refresh an account, sourced
// from configuration (ANTIGRAVITY_ACCOUNTS_<N>) or an OAuth callback.
type Credential struct {
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiryMs     int64
	ProjectID    string // configured project id, optional
}

// Account is one authenticated upstream identity.
type Account struct {
	ID           string
	Rank         int
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiryMs     int64

	ConfiguredProjectID string
	DiscoveredProjectID string
	DummyProjectID      string // degraded fallback; never short-circuits future discovery

	Status            Status
	CooldownUntilMs    int64
	RequestCount       int64
	ErrorCount         int64
	ConsecutiveErrors  int
	LastUsedMs         int64

	// quota is populated by the quota package via SetQuota/Quota; kept here
	// so the Selector can score without a second lookup structure.
	quota map[string]QuotaEntry
}

// QuotaEntry is the cached quota for one (account, model) pair. It lives in
// this package rather than in quota (which imports account, so the reverse
// import would be a cycle); quota.Tracker writes entries via SetQuota.
type QuotaEntry struct {
	RemainingFraction float64
	ResetMs           int64
	LastFetchedMs     int64
}

func (q QuotaEntry) Exhausted(threshold float64) bool {
	return q.RemainingFraction <= threshold
}

// Snapshot is an immutable copy of an Account safe to hand to callers that
// must not mutate or retain a reference that outlives the Store's lock.
type Snapshot struct {
	Account
}

// QuotaFor returns the cached quota entry for a model, if any.
func (a *Account) QuotaFor(model string) (QuotaEntry, bool) {
	if a.quota == nil {
		return QuotaEntry{}, false
	}
	e, ok := a.quota[model]
	return e, ok
}

// ProjectID returns the project id to use: configured wins, else discovered.
func (a *Account) ProjectID() string {
	if a.ConfiguredProjectID != "" {
		return a.ConfiguredProjectID
	}
	return a.DiscoveredProjectID
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Store is the Credential Store (C1). All mutation is serialized by a single
// coarse-grained mutex; pool sizes are small (a handful to a few dozen
// accounts) so this is not a contention hazard (see spec §5).
type Store struct {
	mu       sync.Mutex
	byID     map[string]*Account
	byEmail  map[string]*Account
	order    []string // account ids in insertion order

	cooldownBaseMs int64
}

// NewStore builds an empty Store. cooldownBaseMs is the configured backoff
// base (COOLDOWN_DURATION_MS, default 60000).
func NewStore(cooldownBaseMs int64) *Store {
	if cooldownBaseMs <= 0 {
		cooldownBaseMs = 60000
	}
	return &Store{
		byID:           make(map[string]*Account),
		byEmail:        make(map[string]*Account),
		cooldownBaseMs: cooldownBaseMs,
	}
}

// AddResult is the return shape of Add.
type AddResult struct {
	ID    string
	Rank  int
	IsNew bool
}

// Add inserts a credential, or updates the existing account in place when
// the email is already known (tokens refreshed, status reset to ready,
// error counts cleared) per the idempotency invariant in spec §3/§8.
func (s *Store) Add(cred Credential) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byEmail[cred.Email]; ok {
		existing.AccessToken = cred.AccessToken
		existing.RefreshToken = cred.RefreshToken
		existing.ExpiryMs = cred.ExpiryMs
		if cred.ProjectID != "" {
			existing.ConfiguredProjectID = cred.ProjectID
		}
		existing.Status = StatusReady
		existing.CooldownUntilMs = 0
		existing.ErrorCount = 0
		existing.ConsecutiveErrors = 0
		return AddResult{ID: existing.ID, Rank: existing.Rank, IsNew: false}
	}

	rank := len(s.order) + 1
	a := &Account{
		ID:                  fmt.Sprintf("account-%d", rank),
		Rank:                rank,
		Email:               cred.Email,
		AccessToken:         cred.AccessToken,
		RefreshToken:        cred.RefreshToken,
		ExpiryMs:            cred.ExpiryMs,
		ConfiguredProjectID: cred.ProjectID,
		Status:              StatusReady,
		quota:               make(map[string]QuotaEntry),
	}
	s.byID[a.ID] = a
	s.byEmail[a.Email] = a
	s.order = append(s.order, a.ID)
	return AddResult{ID: a.ID, Rank: rank, IsNew: true}
}

// expireLocked flips status=cooldown entries whose cooldownUntil has passed
// back to ready. Must be called with mu held.
func (s *Store) expireLocked(a *Account) {
	if a.Status == StatusCooldown && a.CooldownUntilMs <= nowMs() {
		a.Status = StatusReady
		a.CooldownUntilMs = 0
	}
}

// Get returns a copy of the account, with lazy cooldown expiry applied.
func (s *Store) Get(id string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return Account{}, false
	}
	s.expireLocked(a)
	return *a, true
}

// List returns a snapshot of every account, in insertion order, with lazy
// cooldown expiry applied to each.
func (s *Store) List() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.order))
	for _, id := range s.order {
		a := s.byID[id]
		s.expireLocked(a)
		out = append(out, *a)
	}
	return out
}

// ListIDs returns account ids in insertion order.
func (s *Store) ListIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// MarkSuccess resets error state and bumps usage counters on a successful
// dispatch (spec §4.1/§8).
func (s *Store) MarkSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return
	}
	a.RequestCount++
	a.LastUsedMs = nowMs()
	a.ConsecutiveErrors = 0
	a.Status = StatusReady
	a.CooldownUntilMs = 0
}

// MarkCooldown schedules exponential backoff per spec §4.1/§4.7:
// cooldownUntil = now + base * 2^min(k-1, 6), k = post-increment consecutive
// error count.
func (s *Store) MarkCooldown(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return
	}
	a.ConsecutiveErrors++
	a.ErrorCount++
	a.Status = StatusCooldown

	k := a.ConsecutiveErrors
	shift := k - 1
	if shift > 6 {
		shift = 6
	}
	if shift < 0 {
		shift = 0
	}
	multiplier := int64(1) << uint(shift)
	a.CooldownUntilMs = nowMs() + s.cooldownBaseMs*multiplier
}

// MarkError marks the account error (non-recoverable auth failure); no
// cooldown recovery is scheduled (spec §4.7).
func (s *Store) MarkError(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return
	}
	a.Status = StatusError
	a.ErrorCount++
}

// ExpireCooldowns flips every account whose cooldown has elapsed back to
// ready. Also performed lazily by Get/List/ReadyAccounts; exposed so callers
// (e.g. the Selector) can force a pass before a batch read.
func (s *Store) ExpireCooldowns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.expireLocked(s.byID[id])
	}
}

// EarliestCooldownEnd returns the soonest cooldownUntil among accounts
// currently in cooldown, or false if none are cooling down.
func (s *Store) EarliestCooldownEnd() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest int64
	found := false
	for _, id := range s.order {
		a := s.byID[id]
		if a.Status == StatusCooldown {
			if !found || a.CooldownUntilMs < earliest {
				earliest = a.CooldownUntilMs
				found = true
			}
		}
	}
	return earliest, found
}

// ReadyAccounts returns accounts with status=ready after lazy expiry, sorted
// by insertion order (the order the Selector relies on for stable tie-break).
func (s *Store) ReadyAccounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.order))
	for _, id := range s.order {
		a := s.byID[id]
		s.expireLocked(a)
		if a.Status == StatusReady {
			out = append(out, *a)
		}
	}
	return out
}

// SetDiscoveredProject caches a project id discovered by the Project
// Resolver (C3) so future calls skip discovery.
func (s *Store) SetDiscoveredProject(id, projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byID[id]; ok {
		a.DiscoveredProjectID = projectID
	}
}

// SetDummyProject caches the Resolver's degraded-mode fallback id. Unlike
// SetDiscoveredProject, this does not stick: it is a one-shot value handed
// back for the current call, and discovery is retried on the account's next
// Resolve (spec §4.3 step 4).
func (s *Store) SetDummyProject(id, projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byID[id]; ok {
		a.DummyProjectID = projectID
	}
}

// SetTokens updates the access/refresh token and expiry after a refresh
// (C2), without touching health/cooldown state.
func (s *Store) SetTokens(id, accessToken, refreshToken string, expiryMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return
	}
	a.AccessToken = accessToken
	if refreshToken != "" {
		a.RefreshToken = refreshToken
	}
	a.ExpiryMs = expiryMs
}

// SetQuota upserts a quota entry for (account, model). Copies are owned by
// the caller (the quota package); the Store only stores a value copy.
func (s *Store) SetQuota(id, model string, entry QuotaEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return
	}
	if a.quota == nil {
		a.quota = make(map[string]QuotaEntry)
	}
	a.quota[model] = entry
}

// Quota returns a copy of the quota map for an account.
func (s *Store) Quota(id string) map[string]QuotaEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil
	}
	out := make(map[string]QuotaEntry, len(a.quota))
	for k, v := range a.quota {
		out[k] = v
	}
	return out
}

// QuotaModels returns the sorted model names with a quota entry for an
// account (used by the /v1/quota snapshot shape, spec §4.4).
func QuotaModels(m map[string]QuotaEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
