package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/javi11/nntppool/v4"

	"github.com/nzbcore/nzbcore/internal/config"
)

// managedProvider pairs one nntppool.Provider with its own admission gate
// and health-cooldown bookkeeping; all three live together here since
// this package doesn't distinguish a separate health-check component.
type managedProvider struct {
	cfg    config.ProviderConfig
	prov   *nntppool.Provider
	client nntppool.NNTPClient
	gate   *gate

	mu              sync.Mutex
	unhealthyUntil  time.Time
	consecutiveFail int
}

// newProvider builds an nntppool.Provider from cfg and wraps it in its
// own single-provider nntppool client. UsenetClient needs to dispatch to
// one specific provider at a time to implement its own priority-ordered
// failover and per-provider stats, which rules out folding every
// provider into one shared nntppool aggregate client.
func newProvider(ctx context.Context, cfg config.ProviderConfig) (*managedProvider, error) {
	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.InsecureTLS,
			ServerName:         cfg.Host,
		}
	}

	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	prov, err := nntppool.NewProvider(ctx, nntppool.ProviderConfig{
		Address:               address,
		MaxConnections:        cfg.MaxConnections,
		InitialConnections:    0,
		InflightPerConnection: 10,
		MaxConnIdleTime:       cfg.IdleTimeout(),
		MaxConnLifetime:       30 * time.Minute,
		Auth:                  nntppool.Auth{Username: cfg.Username, Password: cfg.Password},
		TLSConfig:             tlsConfig,
		ProxyURL:              cfg.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}

	client := nntppool.NewClient(cfg.MaxConnections)
	if err := client.AddProvider(prov, nntppool.ProviderPrimary); err != nil {
		client.Close()
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}

	return &managedProvider{cfg: cfg, prov: prov, client: client, gate: newGate(cfg)}, nil
}

func (m *managedProvider) close() {
	m.client.Close()
}

// healthy reports whether cfg's unhealthy_cooldown_seconds window has
// elapsed since the last recorded failure streak.
func (m *managedProvider) healthy(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.After(m.unhealthyUntil)
}

func (m *managedProvider) recordFailure(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFail++
	if m.consecutiveFail >= m.cfg.ConnectRetries {
		m.unhealthyUntil = now.Add(m.cfg.UnhealthyCooldown())
	}
}

func (m *managedProvider) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFail = 0
	m.unhealthyUntil = time.Time{}
}
