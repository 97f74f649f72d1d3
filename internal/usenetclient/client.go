// Package usenetclient fetches and decodes individual Usenet articles,
// layering provider ordering, per-message failover, and fetch accounting
// over internal/pool. It is the sole caller of internal/yenc.
package usenetclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/nzbcore/nzbcore/internal/config"
	"github.com/nzbcore/nzbcore/internal/database"
	apperrors "github.com/nzbcore/nzbcore/internal/errors"
	"github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/yenc"
)

// Client wraps ConnectionPool with provider failover, decoded-article
// caching, and per-provider success/failure accounting.
type Client struct {
	pool           *pool.ConnectionPool
	stats          *database.StatsRepository
	providerIndex  map[string]int
	articleTimeout time.Duration

	cache *lru.Cache[string, *yenc.Article]
	group singleflight.Group
}

// New builds a Client. providers must be in the same order as the
// config.Config.Providers slice that produced pool's connections, since
// that order is what NzbProviderStat.provider_index addresses. cacheSize
// bounds how many decoded articles stay resident for reuse by overlapping
// reads or seeks back into a range already fetched.
func New(p *pool.ConnectionPool, stats *database.StatsRepository, providers []config.ProviderConfig, articleTimeout time.Duration, cacheSize int) *Client {
	idx := make(map[string]int, len(providers))
	for i, cfg := range providers {
		idx[cfg.ID] = i
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, _ := lru.New[string, *yenc.Article](cacheSize)
	return &Client{pool: p, stats: stats, providerIndex: idx, articleTimeout: articleTimeout, cache: cache}
}

// FetchArticle retrieves and yEnc-decodes messageID, trying providers in
// priority order (primaries before backups, weighted-random among equal
// priority by recent success rate), and returns ArticleMissing once every
// candidate has returned a permanent 430/423, or ArticleUnavailable if at
// least one failure was transient. Concurrent calls for the same
// messageID are coalesced into a single fetch, and a successful decode is
// cached so a later seek back into the same segment skips the network
// entirely.
func (c *Client) FetchArticle(ctx context.Context, jobName, messageID string, groups []string, usage pool.UsageContext) (*yenc.Article, error) {
	if art, ok := c.cache.Get(messageID); ok {
		return art, nil
	}

	v, err, _ := c.group.Do(messageID, func() (any, error) {
		art, err := c.fetchArticle(ctx, jobName, messageID, groups, usage)
		if err != nil {
			return nil, err
		}
		c.cache.Add(messageID, art)
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*yenc.Article), nil
}

func (c *Client) fetchArticle(ctx context.Context, jobName, messageID string, groups []string, usage pool.UsageContext) (*yenc.Article, error) {
	ctx, cancel := context.WithTimeout(ctx, c.articleTimeout)
	defer cancel()

	order := c.orderedProviders(ctx, jobName)
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: no healthy providers configured", apperrors.ErrProviderUnhealthy)
	}

	var sawPermanent, sawTransient bool
	for _, h := range order {
		idx := c.providerIndex[h.ID]
		start := time.Now()

		body, err := c.pool.FetchBody(ctx, h.ID, messageID, groups, usage)
		if err != nil {
			c.recordFailure(ctx, jobName, idx, messageID, start, err, &sawPermanent, &sawTransient)
			continue
		}

		art, decErr := yenc.Decode(body)
		_ = body.Close()
		if decErr != nil {
			c.recordFailure(ctx, jobName, idx, messageID, start, decErr, &sawPermanent, &sawTransient)
			continue
		}

		elapsed := time.Since(start).Milliseconds()
		_ = c.stats.UpsertProviderStat(ctx, jobName, idx, true, int64(len(art.Payload)), elapsed, time.Now())
		return art, nil
	}

	if sawPermanent && !sawTransient {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrArticleMissing, messageID)
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrArticleUnavailable, messageID)
}

func (c *Client) recordFailure(ctx context.Context, jobName string, providerIndex int, messageID string, start time.Time, err error, sawPermanent, sawTransient *bool) {
	elapsed := time.Since(start).Milliseconds()
	_ = c.stats.UpsertProviderStat(ctx, jobName, providerIndex, false, 0, elapsed, time.Now())
	_ = c.stats.RecordMissingArticleEvent(ctx, database.MissingArticleEvent{
		Filename:      jobName,
		MessageID:     messageID,
		ProviderIndex: providerIndex,
		Timestamp:     time.Now(),
		Operation:     "fetch_article",
	})

	if errors.Is(err, apperrors.ErrArticleMissing) {
		*sawPermanent = true
	} else {
		*sawTransient = true
	}
}

// orderedProviders returns healthy providers grouped primaries-first, each
// group ordered by priority descending with a weighted-random shuffle
// among providers sharing a priority, proportional to jobName's recorded
// success rate on that provider (uniform when no history exists yet).
func (c *Client) orderedProviders(ctx context.Context, jobName string) []pool.ProviderHandle {
	all := c.pool.Providers()

	var primaries, backups []pool.ProviderHandle
	for _, h := range all {
		if !h.Healthy {
			continue
		}
		if h.Role == config.RoleBackup {
			backups = append(backups, h)
		} else {
			primaries = append(primaries, h)
		}
	}

	out := make([]pool.ProviderHandle, 0, len(primaries)+len(backups))
	out = append(out, c.shuffleByPriorityTier(ctx, jobName, primaries)...)
	out = append(out, c.shuffleByPriorityTier(ctx, jobName, backups)...)
	return out
}

func (c *Client) shuffleByPriorityTier(ctx context.Context, jobName string, handles []pool.ProviderHandle) []pool.ProviderHandle {
	out := make([]pool.ProviderHandle, 0, len(handles))
	start := 0
	for start < len(handles) {
		end := start + 1
		for end < len(handles) && handles[end].Priority == handles[start].Priority {
			end++
		}
		out = append(out, c.weightedShuffle(ctx, jobName, handles[start:end])...)
		start = end
	}
	return out
}

// weightedShuffle orders tier by success rate without replacement: each
// draw picks among the remaining providers with probability proportional
// to its weight, so flaky providers drift toward the end of the tier
// without ever being excluded outright.
func (c *Client) weightedShuffle(ctx context.Context, jobName string, tier []pool.ProviderHandle) []pool.ProviderHandle {
	if len(tier) <= 1 {
		return tier
	}

	remaining := append([]pool.ProviderHandle(nil), tier...)
	weights := make([]float64, len(remaining))
	for i, h := range remaining {
		weights[i] = c.successWeight(ctx, jobName, h.ID)
	}

	out := make([]pool.ProviderHandle, 0, len(remaining))
	for len(remaining) > 0 {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		pick := rand.Float64() * total
		chosen := len(remaining) - 1
		for i, w := range weights {
			if pick < w {
				chosen = i
				break
			}
			pick -= w
		}

		out = append(out, remaining[chosen])
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)
		weights = append(weights[:chosen], weights[chosen+1:]...)
	}
	return out
}

func (c *Client) successWeight(ctx context.Context, jobName, providerID string) float64 {
	idx, ok := c.providerIndex[providerID]
	if !ok {
		return 1
	}
	stat, err := c.stats.GetProviderStat(ctx, jobName, idx)
	if err != nil || stat == nil {
		return 1
	}
	total := stat.SuccessfulSegments + stat.FailedSegments
	if total == 0 {
		return 1
	}
	rate := float64(stat.SuccessfulSegments) / float64(total)
	// Floor so a provider with a rough start can still recover instead of
	// being starved out of the rotation entirely.
	if rate < 0.05 {
		rate = 0.05
	}
	return rate
}
