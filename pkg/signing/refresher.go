package signing

import (
	"context"
	"time"

	"github.com/grapevinehq/grapevine/pkg/log"
)

// Refresher re-fetches cached keys whose validity horizon is about to
// pass, so verification of fresh events rarely blocks on a key fetch.
type Refresher struct {
	cache    *KeyCache
	interval time.Duration
	stopCh   chan struct{}
}

// NewRefresher creates a refresher over the cache. interval <= 0 uses
// one hour.
func NewRefresher(cache *KeyCache, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{
		cache:    cache,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop
func (r *Refresher) Start() {
	go r.run()
}

// Stop stops the refresher
func (r *Refresher) Stop() {
	close(r.stopCh)
}

func (r *Refresher) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refresh()
		case <-r.stopCh:
			return
		}
	}
}

// refresh performs one refresh cycle over keys expiring within two
// intervals. Fetch failures keep the stale entry; events older than the
// key's horizon still verify against it.
func (r *Refresher) refresh() {
	if r.cache.fetcher == nil {
		return
	}
	logger := log.WithComponent("key-refresher")
	expiring := r.cache.Expiring(2 * r.interval)
	if len(expiring) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.interval/2)
	defer cancel()
	for _, pair := range expiring {
		server, keyID := pair[0], pair[1]
		fetched, err := r.cache.fetcher.FetchKey(ctx, server, keyID)
		if err != nil {
			logger.Warn().Str("server", server).Str("key_id", keyID).
				Err(err).Msg("Key refresh failed")
			continue
		}
		r.cache.put(cacheKey{server: server, keyID: keyID}, fetched)
		logger.Debug().Str("server", server).Str("key_id", keyID).
			Msg("Refreshed signing key")
	}
}
