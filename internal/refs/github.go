package refs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// GitHubFetcher polls a GitHub-compatible refs API for branches and tags.
// It guards outbound request rate with a token bucket so a misconfigured
// (or accidentally very short) poll interval cannot hammer the upstream
// host.
type GitHubFetcher struct {
	BaseURL string
	Owner   string
	Repo    string
	Token   string // optional, sent as a bearer token

	client  *http.Client
	limiter *rate.Limiter
}

// NewGitHubFetcher builds a GitHubFetcher with production defaults: a 10s
// request timeout and a rate limit of one poll per second with a burst of
// two. Each FetchRefs call takes one token, which covers both its heads
// and tags requests.
func NewGitHubFetcher(baseURL, owner, repo, token string) *GitHubFetcher {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubFetcher{
		BaseURL: baseURL,
		Owner:   owner,
		Repo:    repo,
		Token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(1), 2),
	}
}

type githubRef struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// FetchRefs returns the union of refs/heads and refs/tags for the
// configured repository.
func (g *GitHubFetcher) FetchRefs(ctx context.Context) (Snapshot, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("refs: rate limiter: %w", err)
	}

	var out Snapshot
	for _, kind := range []string{"heads", "tags"} {
		refs, err := g.fetchKind(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("refs: fetching %s: %w", kind, err)
		}
		out = append(out, refs...)
	}
	return out, nil
}

func (g *GitHubFetcher) fetchKind(ctx context.Context, kind string) (Snapshot, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/refs/%s", g.BaseURL, g.Owner, g.Repo, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// No refs of this kind yet (e.g. a repo with no tags).
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var decoded []githubRef
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	snap := make(Snapshot, 0, len(decoded))
	for _, r := range decoded {
		snap = append(snap, Ref{Name: r.Ref, Object: Object{SHA: r.Object.SHA}})
	}
	return snap, nil
}
