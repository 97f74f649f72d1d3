// Package pool manages NNTP connections to the configured Usenet
// providers. Per-connection dialing, idle/lifetime limits, and
// authentication are delegated to github.com/javi11/nntppool. This
// package keeps one nntppool client per provider, rather than folding
// every provider into a single aggregate client, so internal/usenetclient
// can apply its own priority/weighted-success provider ordering and
// per-provider stats, and adds a UsageContext admission layer in front so
// a deep ingest queue can never starve an interactive stream of its
// provider slots.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/javi11/nntppool/v4"

	"github.com/nzbcore/nzbcore/internal/config"
	apperrors "github.com/nzbcore/nzbcore/internal/errors"
)

// ConnectionPool is the process-wide handle onto every configured
// provider.
type ConnectionPool struct {
	providers []*managedProvider
	closed    bool
	mu        sync.Mutex
}

// New dials and authenticates every configured provider eagerly so that a
// misconfigured host is reported at startup rather than on first read.
func New(ctx context.Context, providers []config.ProviderConfig) (*ConnectionPool, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("connection pool: no providers configured")
	}

	managed := make([]*managedProvider, 0, len(providers))
	for _, cfg := range providers {
		mp, err := newProvider(ctx, cfg)
		if err != nil {
			for _, m := range managed {
				m.close()
			}
			return nil, err
		}
		managed = append(managed, mp)
	}

	return &ConnectionPool{providers: managed}, nil
}

// Close shuts down every underlying nntppool connection.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	for _, m := range p.providers {
		m.close()
	}
	p.closed = true
	return nil
}

// ProviderHandle exposes the parts of a provider's configuration and
// health state that UsenetClient needs to pick a fetch order, without
// handing out the underlying nntppool client.
type ProviderHandle struct {
	ID       string
	Priority int
	Role     config.ProviderRole
	Healthy  bool
}

// Providers returns a snapshot of every configured provider's identity and
// health, ordered by priority descending then ID, matching the tie-break
// UsenetClient uses when picking among equal-priority providers.
func (p *ConnectionPool) Providers() []ProviderHandle {
	now := time.Now()
	handles := make([]ProviderHandle, 0, len(p.providers))
	for _, m := range p.providers {
		handles = append(handles, ProviderHandle{
			ID:       m.cfg.ID,
			Priority: m.cfg.Priority,
			Role:     m.cfg.Role,
			Healthy:  m.healthy(now),
		})
	}
	sort.Slice(handles, func(i, j int) bool {
		if handles[i].Priority != handles[j].Priority {
			return handles[i].Priority > handles[j].Priority
		}
		return handles[i].ID < handles[j].ID
	})
	return handles
}

// FetchBody retrieves the raw (still yEnc-encoded) body of messageID from
// the named provider, admitting the call through that provider's own
// UsageContext gate before handing off to nntppool, and translating
// nntppool's not-found error into ErrArticleMissing so callers can
// distinguish a permanent miss from a transport failure without
// importing nntppool themselves.
func (p *ConnectionPool) FetchBody(ctx context.Context, providerID, messageID string, groups []string, usage UsageContext) (io.ReadCloser, error) {
	mp := p.find(providerID)
	if mp == nil {
		return nil, fmt.Errorf("connection pool: unknown provider %q", providerID)
	}

	release, err := mp.gate.acquire(ctx, usage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPoolExhausted, err)
	}

	var reader io.ReadCloser
	err = retry.Do(
		func() error {
			r, err := mp.client.BodyReader(ctx, messageID, groups)
			if err != nil {
				if isArticleNotFound(err) {
					return retry.Unrecoverable(fmt.Errorf("%w: %s", apperrors.ErrArticleMissing, messageID))
				}
				return err
			}
			reader = r
			return nil
		},
		retry.Attempts(uint(max(mp.cfg.ConnectRetries, 1))),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return ctx.Err() == nil }),
	)

	now := time.Now()
	if err != nil {
		mp.recordFailure(now)
		release()
		return nil, fmt.Errorf("%w", err)
	}
	mp.recordSuccess()
	return &releasingReader{ReadCloser: reader, release: release}, nil
}

func (p *ConnectionPool) find(id string) *managedProvider {
	for _, m := range p.providers {
		if m.cfg.ID == id {
			return m
		}
	}
	return nil
}

// releasingReader frees the admission slot once the caller closes the
// body, mirroring the release-on-Close idiom of nntppool's own readers.
type releasingReader struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (r *releasingReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}

func isArticleNotFound(err error) bool {
	var notFound *nntppool.ArticleNotFoundError
	return errors.As(err, &notFound)
}
