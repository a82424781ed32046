package stepauth

import (
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/stepauth/stepauth/internal/audit"
	"github.com/stepauth/stepauth/internal/stores"
	"github.com/stepauth/stepauth/jwt"
	"github.com/stepauth/stepauth/password"
)

// Builder assembles an [Engine]. A Builder is single-use; Build fails on the
// second call.
type Builder struct {
	config Config
	redis  *redis.Client

	accountProvider AccountProvider
	ssoProviders    map[string]SSOProvider
	auditSink       AuditSink

	built bool
}

// New returns a Builder preloaded with [defaultConfig] values.
func New() *Builder {
	return &Builder{
		config:       defaultConfig(),
		ssoProviders: map[string]SSOProvider{},
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing all engine stores.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithAccountProvider sets the account backend.
func (b *Builder) WithAccountProvider(p AccountProvider) *Builder {
	b.accountProvider = p
	return b
}

// WithSSOProvider registers an SSO entry point under its Name. Registering
// the same name twice keeps the last provider.
func (b *Builder) WithSSOProvider(p SSOProvider) *Builder {
	if p == nil {
		return b
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return b
	}
	if b.ssoProviders == nil {
		b.ssoProviders = map[string]SSOProvider{}
	}
	b.ssoProviders[name] = p
	return b
}

// WithAuditSink sets the audit event consumer and enables audit dispatch.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithMetricsEnabled toggles counter recording.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the Validate latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires the stores, and returns a ready
// Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.accountProvider == nil {
		return nil, errors.New("account provider required")
	}

	engine := &Engine{
		config:     cloneConfig(cfg),
		challenges: stores.NewChallengeStore(b.redis, cfg.Challenge.RedisPrefix),
		trust:      stores.NewTrustStore(b.redis, cfg.Trust.RedisPrefix),
		sessions:   stores.NewSessionStore(b.redis, cfg.Session.RedisPrefix),
		accounts:   b.accountProvider,
	}

	engine.sso = make(map[string]SSOProvider, len(b.ssoProviders))
	for name, p := range b.ssoProviders {
		engine.sso[name] = p
	}

	if cfg.Audit.Enabled {
		engine.audit = audit.NewDispatcher(b.auditSink, cfg.Audit.BufferSize, cfg.Audit.DropIfFull)
	}
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.totp = newTOTPManager(cfg.TOTP)

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	b.built = true

	return engine, nil
}
