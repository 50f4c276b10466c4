// Package knowledge implements the client for the external drug-knowledge
// service: RxNorm code resolution and pairwise drug-interaction lookup. Every
// network call goes through the shared circuit breaker with retry/backoff and
// a hard per-call timeout, and degrades to the embedded interaction table
// when the upstream is unavailable. The system prefers fewer, well-known
// alerts over a failed evaluation.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cds/internal/platform/breaker"
	"github.com/ehr/cds/internal/platform/cache"
)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Interaction severity taxonomy, carried as data from the upstream service
// and the embedded table.
const (
	SeverityContraindicated = "contraindicated"
	SeverityMajor           = "major"
	SeverityModerate        = "moderate"
	SeverityMinor           = "minor"
)

// Drug identifies one medication for interaction checking. Code may be empty,
// in which case the client resolves it from the name.
type Drug struct {
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// Interaction describes a pairwise drug interaction in the core's own shape;
// wire structs never leave this package.
type Interaction struct {
	CodeA       string `json:"code_a"`
	CodeB       string `json:"code_b"`
	NameA       string `json:"name_a"`
	NameB       string `json:"name_b"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Management  string `json:"management,omitempty"`
}

// Observer receives the outcome and latency of every knowledge lookup.
// Outcomes: "hit" (cache), "miss" (fetched), "fallback" (embedded table),
// "error" (failed with no fallback data).
type Observer interface {
	ObserveLookup(outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveLookup(string, time.Duration) {}

// ---------------------------------------------------------------------------
// Wire structs (owned by the external service)
// ---------------------------------------------------------------------------

type rxcuiResponse struct {
	IDGroup struct {
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

type interactionResponse struct {
	FullInteractionTypeGroup []struct {
		FullInteractionType []struct {
			MinConcept []struct {
				RxCUI string `json:"rxcui"`
				Name  string `json:"name"`
			} `json:"minConcept"`
			InteractionPair []struct {
				Severity    string `json:"severity"`
				Description string `json:"description"`
			} `json:"interactionPair"`
		} `json:"fullInteractionType"`
	} `json:"fullInteractionTypeGroup"`
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

const (
	codeCacheTTL        = 30 * 24 * time.Hour
	interactionCacheTTL = 7 * 24 * time.Hour
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(k *Client) { k.httpClient = c }
}

// WithMaxRetries sets the per-call retry budget.
func WithMaxRetries(n int) ClientOption {
	return func(k *Client) { k.maxRetries = n }
}

// WithBackoff sets the exponential backoff base and cap.
func WithBackoff(base, max time.Duration) ClientOption {
	return func(k *Client) { k.baseDelay, k.maxDelay = base, max }
}

// WithConcurrency bounds the pairwise fan-out in CheckMultiple.
func WithConcurrency(n int) ClientOption {
	return func(k *Client) {
		if n > 0 {
			k.maxConcurrent = n
		}
	}
}

// WithObserver wires lookup outcome metrics.
func WithObserver(o Observer) ClientOption {
	return func(k *Client) { k.observer = o }
}

// Client resolves drug codes and looks up interactions against the external
// knowledge service. One instance is shared by all concurrent evaluations so
// the breaker and caches protect the whole process.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *breaker.Breaker
	codes      cache.Store
	ixns       cache.Store
	logger     zerolog.Logger
	observer   Observer

	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	maxConcurrent int
}

// NewClient creates a Client. Defaults: 10s per-call timeout, 5 retries
// with capped exponential backoff, fan-out of 4.
func NewClient(baseURL string, br *breaker.Breaker, codes, interactions cache.Store, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		breaker:       br,
		codes:         codes,
		ixns:          interactions,
		logger:        logger,
		observer:      nopObserver{},
		maxRetries:    5,
		baseDelay:     200 * time.Millisecond,
		maxDelay:      5 * time.Second,
		maxConcurrent: 4,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// pairKey builds the unordered cache/dedup key for a code pair.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// normalizeName canonicalizes a drug name for caching and fallback lookup.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ---------------------------------------------------------------------------
// ResolveCode
// ---------------------------------------------------------------------------

// ResolveCode resolves a drug name to its RxNorm code. An unresolved name is
// reported as ok=false, never as an error: callers skip the drug rather than
// fail the evaluation.
func (c *Client) ResolveCode(ctx context.Context, drugName string) (string, bool) {
	start := time.Now()
	name := normalizeName(drugName)
	if name == "" {
		return "", false
	}
	cacheKey := "rx:code:" + name

	if cached, ok := c.codes.Get(ctx, cacheKey); ok {
		c.observer.ObserveLookup("hit", time.Since(start))
		return string(cached), true
	}

	if err := c.breaker.Allow(); err != nil {
		return c.fallbackResolveCode(name, start)
	}

	var resp rxcuiResponse
	err := c.getJSON(ctx, fmt.Sprintf("%s/rxcui.json?name=%s", c.baseURL, url.QueryEscape(name)), &resp)
	if err != nil {
		if !isRejection(err) {
			c.breaker.RecordFailure()
		}
		c.logger.Warn().Err(err).Str("drug", name).Msg("code resolution failed")
		return c.fallbackResolveCode(name, start)
	}
	c.breaker.RecordSuccess()
	c.observer.ObserveLookup("miss", time.Since(start))

	if len(resp.IDGroup.RxNormID) == 0 {
		// Upstream reachable but the name is unknown: a resolved miss.
		return "", false
	}
	code := resp.IDGroup.RxNormID[0]
	c.codes.Set(ctx, cacheKey, []byte(code), codeCacheTTL)
	return code, true
}

// fallbackResolveCode serves the embedded code table for one name, recording
// the outcome.
func (c *Client) fallbackResolveCode(name string, start time.Time) (string, bool) {
	if code, ok := fallbackResolve(name); ok {
		c.observer.ObserveLookup("fallback", time.Since(start))
		return code, true
	}
	c.observer.ObserveLookup("error", time.Since(start))
	return "", false
}

// ---------------------------------------------------------------------------
// Interactions
// ---------------------------------------------------------------------------

// Interactions looks up interactions for one unordered code pair. On breaker
// rejection or upstream failure it falls back to the embedded table.
func (c *Client) Interactions(ctx context.Context, codeA, codeB string) []Interaction {
	start := time.Now()
	cacheKey := "rx:ixn:" + pairKey(codeA, codeB)

	if cached, ok := c.ixns.Get(ctx, cacheKey); ok {
		var out []Interaction
		if err := json.Unmarshal(cached, &out); err == nil {
			c.observer.ObserveLookup("hit", time.Since(start))
			return out
		}
		c.ixns.Delete(ctx, cacheKey)
	}

	if err := c.breaker.Allow(); err != nil {
		return c.fallbackInteractions(codeA, codeB, start)
	}

	var resp interactionResponse
	reqURL := fmt.Sprintf("%s/interaction/list.json?rxcuis=%s+%s", c.baseURL, url.QueryEscape(codeA), url.QueryEscape(codeB))
	if err := c.getJSON(ctx, reqURL, &resp); err != nil {
		if !isRejection(err) {
			c.breaker.RecordFailure()
		}
		c.logger.Warn().Err(err).Str("pair", pairKey(codeA, codeB)).Msg("interaction lookup failed")
		return c.fallbackInteractions(codeA, codeB, start)
	}
	c.breaker.RecordSuccess()

	out := translateInteractions(codeA, codeB, resp)
	if payload, err := json.Marshal(out); err == nil {
		c.ixns.Set(ctx, cacheKey, payload, interactionCacheTTL)
	}
	c.observer.ObserveLookup("miss", time.Since(start))
	return out
}

// fallbackInteractions serves the embedded table for one pair, recording the
// outcome.
func (c *Client) fallbackInteractions(codeA, codeB string, start time.Time) []Interaction {
	if ix, ok := fallbackLookup(codeA, codeB); ok {
		c.observer.ObserveLookup("fallback", time.Since(start))
		return []Interaction{ix}
	}
	c.observer.ObserveLookup("error", time.Since(start))
	return nil
}

// translateInteractions converts the service's wire shape into the core's
// Interaction type.
func translateInteractions(codeA, codeB string, resp interactionResponse) []Interaction {
	var out []Interaction
	for _, group := range resp.FullInteractionTypeGroup {
		for _, it := range group.FullInteractionType {
			nameA, nameB := "", ""
			if len(it.MinConcept) >= 2 {
				nameA, nameB = it.MinConcept[0].Name, it.MinConcept[1].Name
			}
			for _, pair := range it.InteractionPair {
				sev := strings.ToLower(pair.Severity)
				switch sev {
				case SeverityContraindicated, SeverityMajor, SeverityModerate, SeverityMinor:
				case "high":
					sev = SeverityMajor
				case "n/a", "":
					sev = SeverityMinor
				}
				out = append(out, Interaction{
					CodeA:       codeA,
					CodeB:       codeB,
					NameA:       nameA,
					NameB:       nameB,
					Severity:    sev,
					Description: pair.Description,
				})
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// CheckMultiple
// ---------------------------------------------------------------------------

// CheckMultiple resolves codes for all drugs, then checks every C(n,2) pair
// with bounded concurrency. Pairs with an unresolved member are skipped;
// results are deduplicated by pair and returned in a deterministic order.
func (c *Client) CheckMultiple(ctx context.Context, drugs []Drug) []Interaction {
	if len(drugs) < 2 {
		return nil
	}

	type resolved struct {
		name string
		code string
	}
	var meds []resolved
	for _, d := range drugs {
		code := d.Code
		if code == "" {
			var ok bool
			code, ok = c.ResolveCode(ctx, d.Name)
			if !ok {
				c.logger.Debug().Str("drug", d.Name).Msg("skipping unresolved drug")
				continue
			}
		}
		meds = append(meds, resolved{name: d.Name, code: code})
	}

	type pair struct{ a, b resolved }
	var pairs []pair
	seen := make(map[string]struct{})
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			key := pairKey(meds[i].code, meds[j].code)
			if meds[i].code == meds[j].code {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			pairs = append(pairs, pair{meds[i], meds[j]})
		}
	}

	var (
		mu      sync.Mutex
		results = make(map[string]Interaction)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, c.maxConcurrent)
	)
	for _, p := range pairs {
		wg.Add(1)
		go func(p pair) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for _, ix := range c.Interactions(ctx, p.a.code, p.b.code) {
				if ix.NameA == "" {
					ix.NameA = p.a.name
				}
				if ix.NameB == "" {
					ix.NameB = p.b.name
				}
				mu.Lock()
				key := pairKey(ix.CodeA, ix.CodeB) + "|" + ix.Severity
				if _, dup := results[key]; !dup {
					results[key] = ix
				}
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Interaction, 0, len(keys))
	for _, k := range keys {
		out = append(out, results[k])
	}
	return out
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

// rejectionError marks a 4xx response: the request itself was malformed, not
// the upstream unhealthy, so it is never retried and never counted against
// the breaker.
type rejectionError struct{ status int }

func (e *rejectionError) Error() string {
	return fmt.Sprintf("upstream rejected request: %d", e.status)
}

func isRejection(err error) bool {
	var re *rejectionError
	return errors.As(err, &re)
}

// getJSON fetches the URL, decoding a 2xx response into dst. Transport errors
// and 5xx responses are retried up to maxRetries times after the initial
// attempt, with capped exponential backoff. The per-attempt timeout comes
// from the HTTP client; the caller's context bounds total elapsed time.
func (c *Client) getJSON(ctx context.Context, reqURL string, dst interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return &rejectionError{status: resp.StatusCode}
		}

		err = json.NewDecoder(resp.Body).Decode(dst)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("exhausted %d attempts: %w", c.maxRetries+1, lastErr)
}
