package platform

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/token"
)

// wildcardTenant matches any tenant without its own credentials
const wildcardTenant = "*"

// Opener opens a connection pool for a tenant login
type Opener func(ctx context.Context, cred config.TenantCredential) (*sqlx.DB, error)

// pools keeps one lazily opened pool per tenant
type pools struct {
	platform string
	creds    map[string]config.TenantCredential
	open     Opener
	logger   *logger.Logger

	mu  sync.Mutex
	dbs map[string]*sqlx.DB
}

func newPools(platform string, creds []config.TenantCredential, open Opener, log *logger.Logger) *pools {
	p := &pools{
		platform: platform,
		creds:    make(map[string]config.TenantCredential, len(creds)),
		open:     open,
		logger:   log,
		dbs:      make(map[string]*sqlx.DB),
	}
	for _, c := range creds {
		p.creds[c.Tenant] = c
	}
	return p
}

// credential returns the login for tenant
func (p *pools) credential(tenant string) (config.TenantCredential, error) {
	if c, ok := p.creds[tenant]; ok {
		return c, nil
	}
	if c, ok := p.creds[wildcardTenant]; ok {
		return c, nil
	}
	return config.TenantCredential{}, fmt.Errorf("%w: %s on %s", ErrUnknownTenant, tenant, p.platform)
}

// get returns the pool for tenant, opening it on first use
func (p *pools) get(ctx context.Context, tenant string) (*sqlx.DB, config.TenantCredential, error) {
	cred, err := p.credential(tenant)
	if err != nil {
		return nil, cred, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[cred.Tenant]; ok {
		return db, cred, nil
	}

	db, err := p.open(ctx, cred)
	if err != nil {
		return nil, cred, fmt.Errorf("failed to connect to %s as tenant %s: %w", p.platform, tenant, err)
	}
	p.dbs[cred.Tenant] = db

	p.logger.Info("Tenant connection pool opened",
		zap.String("platform", p.platform),
		zap.String("tenant", cred.Tenant),
		zap.String("user", cred.Username),
	)
	return db, cred, nil
}

func (p *pools) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for tenant, db := range p.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.dbs, tenant)
	}
	return firstErr
}

// namespaceFor picks the token namespace: request, then tenant login, then default
func namespaceFor(req Request, cred config.TenantCredential) (string, error) {
	ns := req.Namespace
	if ns == "" {
		ns = cred.Namespace
	}
	if ns == "" {
		return token.DefaultNamespace, nil
	}
	return token.NormalizeNamespace(ns)
}

// postgresURL builds a connection URL for a tenant login
func postgresURL(cfg config.DatabaseConfig, cred config.TenantCredential) string {
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.ApplicationName != "" {
		q.Set("application_name", cfg.ApplicationName)
	}
	if cfg.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(cfg.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cred.Username, cred.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// maskDatabaseURL hides the password of a connection URL for logging
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
