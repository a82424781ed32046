// Command stepauth-loadtest measures Login and Validate throughput against a
// Redis backend. Without -redis-addr it runs fully in-process on miniredis.
package main

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	stepauth "github.com/stepauth/stepauth"
	"github.com/stepauth/stepauth/password"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		accounts    = flag.Int("accounts", 1000, "number of accounts to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (login + validate)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *accounts <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "accounts, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  *redis.Client
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen failed: %v\n", err)
		os.Exit(1)
	}

	cfg := stepauth.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.JWT.AccessTTL = time.Hour
	// Low cost keeps the seed phase fast; this binary measures Redis and
	// token paths, not argon2.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	provider, err := seedProvider(cfg, *accounts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	engine, err := stepauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithAccountProvider(provider).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	loginStats, tokens := runLoginPhase(ctx, engine, *accounts, *ops, *concurrency)
	validateStats := runValidatePhase(ctx, engine, tokens, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("validate", validateStats)
}

func seedProvider(cfg stepauth.Config, accounts int) (*loadProvider, error) {
	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	// One hash shared across all seeded accounts; hashing is not under test.
	hash, err := hasher.Hash("loadtest-secret")
	if err != nil {
		return nil, err
	}

	p := &loadProvider{
		byID:    make(map[string]stepauth.AccountRecord, accounts),
		byIdent: make(map[string]string, accounts),
	}
	start := time.Now()
	for i := 0; i < accounts; i++ {
		a := stepauth.AccountRecord{
			AccountID:    fmt.Sprintf("acct-%d", i),
			Identifier:   fmt.Sprintf("user-%d@load.test", i),
			PasswordHash: hash,
		}
		p.byID[a.AccountID] = a
		p.byIdent[a.Identifier] = a.AccountID
	}
	fmt.Printf("seeded %d accounts in %s\n", accounts, time.Since(start).Round(time.Millisecond))
	return p, nil
}

func runLoginPhase(ctx context.Context, engine *stepauth.Engine, accounts, ops, concurrency int) (phaseStats, []string) {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		tokens    = make([]string, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				identifier := fmt.Sprintf("user-%d@load.test", r.Intn(accounts))
				t0 := time.Now()
				result, err := engine.Login(ctx, identifier, "loadtest-secret")
				d := time.Since(t0)

				mu.Lock()
				latencies = append(latencies, d)
				if err != nil || result.AccessToken == "" {
					failures++
				} else {
					tokens = append(tokens, result.AccessToken)
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures), tokens
}

func runValidatePhase(ctx context.Context, engine *stepauth.Engine, tokens []string, ops, concurrency int) phaseStats {
	if len(tokens) == 0 {
		return phaseStats{}
	}

	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				token := tokens[r.Intn(len(tokens))]
				t0 := time.Now()
				_, err := engine.Validate(ctx, token)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

// loadProvider is a fixed, read-mostly account backend. MFA paths are never
// exercised by this binary.
type loadProvider struct {
	mu      sync.RWMutex
	byID    map[string]stepauth.AccountRecord
	byIdent map[string]string
}

func (p *loadProvider) GetAccountByIdentifier(_ context.Context, identifier string) (stepauth.AccountRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.byIdent[identifier]
	if !ok {
		return stepauth.AccountRecord{}, fmt.Errorf("account not found")
	}
	return p.byID[id], nil
}

func (p *loadProvider) GetAccountByID(_ context.Context, accountID string) (stepauth.AccountRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.byID[accountID]
	if !ok {
		return stepauth.AccountRecord{}, fmt.Errorf("account not found")
	}
	return a, nil
}

func (p *loadProvider) GetMFASecret(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}

func (p *loadProvider) SetMFASecret(_ context.Context, _ string, _ []byte) error {
	return nil
}

func (p *loadProvider) EnableMFA(_ context.Context, _ string) error {
	return nil
}

func (p *loadProvider) UpsertSSOAccount(_ context.Context, input stepauth.SSOAccountInput) (stepauth.AccountRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := stepauth.AccountRecord{AccountID: input.SuggestedID, Identifier: input.Email}
	p.byID[a.AccountID] = a
	p.byIdent[a.Identifier] = a.AccountID
	return a, nil
}
