package rules

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kestrel-dns/kestrel/internal/logging"
)

// FeedPersistence is the subset of internal/store.Store the loader needs:
// last-known-good content survives a process restart. Defined here, at the
// point of use, so this package does not import internal/store.
type FeedPersistence interface {
	SaveFeedContent(ctx context.Context, feedID string, content []byte, hash string) error
	LoadFeedContent(ctx context.Context, feedID string) ([]byte, bool, error)
}

// Metrics is the subset of internal/metrics the loader reports through.
// Defined at the point of use for the same reason as FeedPersistence.
type Metrics interface {
	ObserveFeedFetch(feedID string, ok bool)
	ObserveFeedSkippedLines(feedID string, n int)
	ObserveRuleMatch(tier string)
}

// defaultMaxSizeBytes is the loader's default per-feed transfer cap,
// resolving SPEC_FULL §9 Open Question 1 (implementation-defined within
// the documented 1-10 MiB range).
const defaultMaxSizeBytes = 2 * 1024 * 1024

// defaultRefreshInterval is used when a feed does not configure one.
const defaultRefreshInterval = 30 * time.Minute

const maxBackoff = 5 * time.Minute

// Loader periodically refreshes every configured remote feed and rebuilds
// the published Snapshot on each successful fetch, per SPEC_FULL §4.5.
type Loader struct {
	logger     *slog.Logger
	httpClient *http.Client
	store      FeedPersistence
	metrics    Metrics

	snapshotStore *Store
	static        []StaticRule
	feeds         []Feed
	groups        map[string]struct{}

	mu       sync.Mutex
	lastGood map[string][]byte

	proxyMu      sync.Mutex
	proxyClients map[string]*http.Client

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewLoader constructs a Loader. httpClient is shared (not per-feed) in
// keeping with the "single HTTP client, shared connection pool" design used
// for the DoH client (§4.7); persistence and metrics may be nil.
func NewLoader(logger *slog.Logger, httpClient *http.Client, persistence FeedPersistence, metrics Metrics, store *Store, static []StaticRule, feeds []Feed, groups map[string]struct{}) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:     logger,
		httpClient: httpClient,
		store:      persistence,
		metrics:    metrics,
		snapshotStore: store,
		static:     static,
		feeds:      feeds,
		groups:     groups,
		lastGood:     make(map[string][]byte),
		proxyClients: make(map[string]*http.Client),
		stop:         make(chan struct{}),
	}
}

// Start seeds every feed's last-known-good content from persistence (if
// any), publishes an initial snapshot built from static rules plus whatever
// was seeded, and launches one background refresh loop per feed. It
// returns once the initial snapshot is published; it does not wait for the
// first live fetch of any feed, matching the "serve before first remote
// fetch completes" startup ordering of §4.5.
func (l *Loader) Start(ctx context.Context) error {
	for _, f := range l.feeds {
		if l.store == nil {
			continue
		}
		content, ok, err := l.store.LoadFeedContent(ctx, f.ID)
		if err != nil {
			l.logger.WarnContext(ctx, "failed to seed feed from store", "feed", f.ID, "error", err)
			continue
		}
		if ok {
			l.mu.Lock()
			l.lastGood[f.ID] = content
			l.mu.Unlock()
		}
	}

	if err := l.rebuild(); err != nil {
		return fmt.Errorf("rules: initial snapshot build failed: %w", err)
	}

	for _, f := range l.feeds {
		feed := f
		l.wg.Add(1)
		go l.refreshLoop(ctx, feed)
	}
	return nil
}

// Stop signals every refresh loop to exit and waits for them to finish.
func (l *Loader) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func (l *Loader) refreshLoop(ctx context.Context, f Feed) {
	defer l.wg.Done()

	interval := defaultRefreshInterval
	if f.RefreshSeconds > 0 {
		interval = time.Duration(f.RefreshSeconds) * time.Second
	}

	l.refreshOnce(ctx, f)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.refreshOnce(ctx, f)
		}
	}
}

func (l *Loader) refreshOnce(ctx context.Context, f Feed) {
	content, err := l.fetchWithRetry(ctx, f)
	if err != nil {
		l.logger.WarnContext(ctx, "remote rule feed refresh failed; keeping last-known-good", "feed", f.ID, "error", logging.RedactError(err))
		l.report(f.ID, false)
		return
	}

	l.mu.Lock()
	l.lastGood[f.ID] = content
	l.mu.Unlock()

	if l.store != nil {
		sum := sha256.Sum256(content)
		hash := fmt.Sprintf("%x", sum)
		if err := l.store.SaveFeedContent(ctx, f.ID, content, hash); err != nil {
			l.logger.WarnContext(ctx, "failed to persist feed content", "feed", f.ID, "error", err)
		}
	}

	if err := l.rebuild(); err != nil {
		l.logger.WarnContext(ctx, "snapshot rebuild failed after feed refresh", "feed", f.ID, "error", err)
		return
	}
	l.report(f.ID, true)
}

// fetchWithRetry performs the bounded-size GET with the retry policy of
// §4.5: up to attempts tries, exponential backoff from delay, capped.
func (l *Loader) fetchWithRetry(ctx context.Context, f Feed) ([]byte, error) {
	attempts := f.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(f.RetryDelay) * time.Second
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		content, err := l.fetchOnce(ctx, f)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		backoff := delay * (1 << uint(attempt-1))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (l *Loader) fetchOnce(ctx context.Context, f Feed) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	if f.AuthBearer != "" {
		req.Header.Set("Authorization", "Bearer "+f.AuthBearer)
	} else if f.AuthUser != "" {
		req.SetBasicAuth(f.AuthUser, f.AuthPass)
	}

	client, err := l.clientFor(f)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %q: unexpected status %d", f.ID, resp.StatusCode)
	}

	maxSize := f.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxSizeBytes
	}
	limited := io.LimitReader(resp.Body, maxSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxSize {
		return nil, fmt.Errorf("feed %q: exceeds max_size_bytes=%d", f.ID, maxSize)
	}
	return body, nil
}

// clientFor returns the *http.Client a feed's fetch should use: the
// loader's shared client when the feed has no proxy configured, or a
// lazily-built clone whose transport routes through f.Proxy otherwise.
// Clones are cached per proxy URL so repeated refreshes of the same feed
// reuse one connection pool instead of dialing a fresh one every cycle,
// mirroring the per-group proxy dialer built in config.ToUpstreamGroups.
func (l *Loader) clientFor(f Feed) (*http.Client, error) {
	base := l.httpClient
	if base == nil {
		base = http.DefaultClient
	}
	if f.Proxy == "" {
		return base, nil
	}

	l.proxyMu.Lock()
	defer l.proxyMu.Unlock()
	if c, ok := l.proxyClients[f.Proxy]; ok {
		return c, nil
	}

	proxyURL, err := url.Parse(f.Proxy)
	if err != nil {
		return nil, fmt.Errorf("feed %q: invalid proxy url: %w", f.ID, err)
	}
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	if baseTransport, ok := base.Transport.(*http.Transport); ok {
		transport = baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{Transport: transport, Timeout: base.Timeout}
	l.proxyClients[f.Proxy] = client
	return client, nil
}

// rebuild compiles a fresh snapshot from static rules plus every feed's
// current last-known-good content and publishes it atomically.
func (l *Loader) rebuild() error {
	l.mu.Lock()
	contents := make(map[string][]byte, len(l.lastGood))
	for k, v := range l.lastGood {
		contents[k] = v
	}
	l.mu.Unlock()

	snap, stats, err := Build(l.static, l.feeds, contents, l.groups)
	if err != nil {
		return err
	}
	if l.metrics != nil {
		for feedID, n := range stats.SkippedLinesByFeed {
			l.metrics.ObserveFeedSkippedLines(feedID, n)
		}
	}
	l.snapshotStore.Publish(snap)
	return nil
}

func (l *Loader) report(feedID string, ok bool) {
	if l.metrics == nil {
		return
	}
	l.metrics.ObserveFeedFetch(feedID, ok)
}
