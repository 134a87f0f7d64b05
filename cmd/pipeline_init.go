package main

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/acronym-cli/internal/config"
	"github.com/sells-group/acronym-cli/internal/cost"
	"github.com/sells-group/acronym-cli/internal/keypool"
	"github.com/sells-group/acronym-cli/internal/pipeline"
	"github.com/sells-group/acronym-cli/internal/provider"
	"github.com/sells-group/acronym-cli/internal/ratelimit"
	"github.com/sells-group/acronym-cli/internal/resilience"
	"github.com/sells-group/acronym-cli/internal/store"
	"github.com/sells-group/acronym-cli/internal/validate"
)

// pipelineEnv holds the store, provider and run manager needed by the
// enrich and serve commands.
type pipelineEnv struct {
	Store   store.Store
	Client  provider.Client
	Limiter *ratelimit.Limiter
	Manager *pipeline.Manager
	redis   *r.Client
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.redis != nil {
		_ = pe.redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the configuration and builds the run manager.
// Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	keys, err := cfg.Keys()
	if err != nil {
		return nil, err
	}

	client, err := provider.New(provider.Config{
		Name:        cfg.Provider.Name,
		Model:       cfg.Provider.Model,
		BaseURL:     cfg.Provider.BaseURL,
		MaxTokens:   cfg.Provider.MaxTokens,
		Temperature: cfg.Provider.Temperature,
		Timeout:     cfg.Provider.Timeout,
	}, cost.NewCalculator(pricingRates(cfg.Pricing)))
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st, Client: client}

	window, rdb, err := initWindow(ctx, cfg.RateLimit, cfg.Enrich.RequestsPerMinute)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.redis = rdb

	env.Limiter = ratelimit.New(limiterConfig(cfg.Enrich), window)
	env.Manager, err = pipeline.NewManager(pipeline.Deps{
		Store:     st,
		Client:    client,
		Limiter:   env.Limiter,
		Validator: validate.New(validatorConfig(cfg.Validation)),
		Keys:      keys,
		KeyPool: keypool.Config{
			ErrorThreshold:  cfg.KeyPool.ErrorThreshold,
			DefaultCooldown: cfg.KeyPool.Cooldown,
			QuotaCooldown:   cfg.KeyPool.QuotaCooldown,
			ExhaustOnQuota:  cfg.KeyPool.ExhaustOnQuota,
		},
		Retry: resilience.RetryConfig{
			MaxRetries:     cfg.Enrich.MaxRetries,
			InitialBackoff: cfg.Enrich.BaseDelay,
			MaxBackoff:     cfg.Enrich.MaxDelay,
			Multiplier:     cfg.Enrich.Multiplier,
			JitterFraction: cfg.Enrich.JitterFraction,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Enrich.CircuitThreshold,
			ResetTimeout:     cfg.Enrich.CircuitReset,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("circuit breaker transition",
					zap.String("provider", client.Name()),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		},
		Workers:   cfg.Enrich.MaxConcurrentRequests,
		QueueSize: cfg.Enrich.QueueSize,
	})
	if err != nil {
		env.Close()
		return nil, err
	}

	zap.L().Info("pipeline initialized",
		zap.String("provider", client.Name()),
		zap.String("model", client.Model()),
		zap.Int("credentials", len(keys)),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("shared_window", rdb != nil),
	)
	return env, nil
}

// initWindow connects the shared Redis window when configured. A nil window
// makes the limiter use an in-process one.
func initWindow(ctx context.Context, rc config.RateLimitConfig, rpm int) (ratelimit.Window, *r.Client, error) {
	if rc.RedisAddr == "" {
		return nil, nil, nil
	}
	rdb := r.NewClient(&r.Options{Addr: rc.RedisAddr, Password: rc.RedisPassword, DB: rc.RedisDB})
	w := ratelimit.NewRedisWindow(rdb, rc.KeyPrefix, rpm, time.Minute)
	if err := w.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, nil, eris.Wrapf(err, "connect redis %s", rc.RedisAddr)
	}
	return w, rdb, nil
}

func limiterConfig(ec config.EnrichConfig) ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: ec.RequestsPerMinute,
		Period:            time.Minute,
		MaxConcurrent:     ec.MaxConcurrentRequests,
		PacingBurst:       ec.PacingBurst,
		JitterMin:         ec.DispatchJitterMin,
		JitterMax:         ec.DispatchJitterMax,
	}
}

func validatorConfig(vc config.ValidateConfig) validate.Config {
	return validate.Config{
		Enabled:              vc.Enabled,
		MinDescriptionLength: vc.MinDescriptionLength,
		MinRelatedTerms:      vc.MinRelatedTerms,
		FullNamePolicy:       validate.FullNamePolicy(vc.FullNamePolicy),
	}
}

// pricingRates overlays configured prices on the defaults.
func pricingRates(pc config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for name, p := range pc.Anthropic {
		rates.Anthropic[name] = cost.ModelRate(p)
	}
	for name, p := range pc.OpenAI {
		rates.OpenAI[name] = cost.ModelRate(p)
	}
	return rates
}
