package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// projectPoster is the subset of transport.Client the resolver needs. Kept
// as a local interface to avoid an import cycle (transport depends on
// account for TokenRefresher already).
type projectPoster interface {
	PostJSON(ctx context.Context, acctID, path string, body []byte) ([]byte, error)
}

const (
	loadCodeAssistTimeout = 20 * time.Second
	onboardPollTimeout    = 30 * time.Second
	onboardPollInterval   = 2 * time.Second
	onboardMaxPolls       = 60
)

type loadCodeAssistRequest struct {
	Metadata             clientMetadata `json:"metadata"`
	CloudaicompanionProject *string     `json:"cloudaicompanionProject"`
}

type clientMetadata struct {
	IDEType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
}

type loadCodeAssistResponse struct {
	CloudaicompanionProject string       `json:"cloudaicompanionProject"`
	CurrentTier             *tierInfo    `json:"currentTier"`
	AllowedTiers            []tierInfo   `json:"allowedTiers"`
}

type tierInfo struct {
	ID string `json:"id"`
}

type onboardUserRequest struct {
	TierID                  string         `json:"tierId"`
	Metadata                clientMetadata `json:"metadata"`
	CloudaicompanionProject *string        `json:"cloudaicompanionProject"`
}

type onboardUserResponse struct {
	Done     bool `json:"done"`
	Response *struct {
		CloudaicompanionProject struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
}

var dummyAdjectives = []string{"swift", "quiet", "amber", "lunar", "cedar", "rapid", "misty", "coral"}
var dummyNouns = []string{"otter", "finch", "maple", "ember", "brook", "heron", "birch", "vale"}

// Resolver is the Project Resolver (C3): discovers or onboards a cloud
// project id for an account on first use, single-flighted per account
// (spec §4.3/§9).
type Resolver struct {
	store  *Store
	client projectPoster

	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

func NewResolver(store *Store, client projectPoster) *Resolver {
	return &Resolver{store: store, client: client, inFlight: make(map[string]chan struct{})}
}

// Resolve returns the project id to use for an account, discovering it if
// necessary (spec §4.3).
func (r *Resolver) Resolve(ctx context.Context, acctID string) (string, error) {
	acct, ok := r.store.Get(acctID)
	if !ok {
		return "", fmt.Errorf("unknown account %s", acctID)
	}
	if acct.ConfiguredProjectID != "" {
		return acct.ConfiguredProjectID, nil
	}
	if acct.DiscoveredProjectID != "" {
		return acct.DiscoveredProjectID, nil
	}

	if err := r.discoverSingleFlight(ctx, acctID); err != nil {
		// Degraded-mode fallback: synthesize a dummy id. The resolver does
		// not decide policy; it logs prominently and hands back a value the
		// upstream will likely reject. This is a one-shot fallback, not a
		// cached result: DummyProjectID never short-circuits Resolve, so
		// discovery is retried on the account's next call (spec §4.3 step 4).
		dummy := dummyProjectID()
		slog.Warn("project discovery failed, using dummy project id", "component", "project", "account_id", acctID, "dummy", dummy, "err", err)
		r.store.SetDummyProject(acctID, dummy)
		return dummy, nil
	}

	acct, _ = r.store.Get(acctID)
	return acct.DiscoveredProjectID, nil
}

func (r *Resolver) discoverSingleFlight(ctx context.Context, acctID string) error {
	r.mu.Lock()
	if ch, ok := r.inFlight[acctID]; ok {
		r.mu.Unlock()
		select {
		case <-ch:
			acct, _ := r.store.Get(acctID)
			if acct.DiscoveredProjectID == "" {
				return fmt.Errorf("prior discovery for %s did not succeed", acctID)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	r.inFlight[acctID] = ch
	r.mu.Unlock()

	err := r.discover(ctx, acctID)

	r.mu.Lock()
	delete(r.inFlight, acctID)
	r.mu.Unlock()
	close(ch)

	return err
}

func (r *Resolver) discover(ctx context.Context, acctID string) error {
	meta := clientMetadata{IDEType: "IDE_UNSPECIFIED", Platform: "PLATFORM_UNSPECIFIED", PluginType: "GEMINI"}

	loadCtx, cancel := context.WithTimeout(ctx, loadCodeAssistTimeout)
	defer cancel()

	reqBody, _ := json.Marshal(loadCodeAssistRequest{Metadata: meta, CloudaicompanionProject: nil})
	respBody, err := r.client.PostJSON(loadCtx, acctID, ":loadCodeAssist", reqBody)
	if err != nil {
		return fmt.Errorf("loadCodeAssist: %w", err)
	}

	var loadResp loadCodeAssistResponse
	if err := json.Unmarshal(respBody, &loadResp); err != nil {
		return fmt.Errorf("decode loadCodeAssist response: %w", err)
	}

	if loadResp.CloudaicompanionProject != "" {
		r.store.SetDiscoveredProject(acctID, loadResp.CloudaicompanionProject)
		return nil
	}

	if loadResp.CurrentTier != nil {
		return fmt.Errorf("loadCodeAssist returned no project but a current tier is already set")
	}

	tierID := "free-tier"
	for _, t := range loadResp.AllowedTiers {
		if t.ID != "" {
			tierID = t.ID
			break
		}
	}

	return r.onboard(ctx, acctID, tierID, meta)
}

func (r *Resolver) onboard(ctx context.Context, acctID, tierID string, meta clientMetadata) error {
	reqBody, _ := json.Marshal(onboardUserRequest{TierID: tierID, Metadata: meta, CloudaicompanionProject: nil})

	for attempt := 0; attempt < onboardMaxPolls; attempt++ {
		pollCtx, cancel := context.WithTimeout(ctx, onboardPollTimeout)
		respBody, err := r.client.PostJSON(pollCtx, acctID, ":onboardUser", reqBody)
		cancel()
		if err != nil {
			return fmt.Errorf("onboardUser: %w", err)
		}

		var onboardResp onboardUserResponse
		if err := json.Unmarshal(respBody, &onboardResp); err != nil {
			return fmt.Errorf("decode onboardUser response: %w", err)
		}

		if onboardResp.Done {
			if onboardResp.Response == nil || onboardResp.Response.CloudaicompanionProject.ID == "" {
				return fmt.Errorf("onboardUser completed without a project id")
			}
			r.store.SetDiscoveredProject(acctID, onboardResp.Response.CloudaicompanionProject.ID)
			return nil
		}

		select {
		case <-time.After(onboardPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("onboardUser did not complete after %d polls", onboardMaxPolls)
}

func dummyProjectID() string {
	adj := dummyAdjectives[randIndex(len(dummyAdjectives))]
	noun := dummyNouns[randIndex(len(dummyNouns))]
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s-%s-%s", adj, noun, hex.EncodeToString(suffix)[:5])
}

func randIndex(n int) int {
	b := make([]byte, 1)
	_, _ = rand.Read(b)
	return int(b[0]) % n
}
