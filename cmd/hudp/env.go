package main

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Env carries the settings that can be given through the environment. Flags
// with the same meaning take precedence when set explicitly.
type Env struct {
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	SkipThreshold  time.Duration `env:"HUDP_SKIP_THRESHOLD,default=200ms"`
	SenderPort     uint16        `env:"HUDP_SENDER_PORT,default=10000"`
	ReceiverPort   uint16        `env:"HUDP_RECEIVER_PORT,default=10001"`
	PrometheusPort uint16        `env:"HUDP_PROMETHEUS_PORT,default=0"`
}

type envKey struct{}

func loadEnv(ctx context.Context) (*Env, error) {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func withEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

func envOf(ctx context.Context) *Env {
	if env, ok := ctx.Value(envKey{}).(*Env); ok {
		return env
	}
	return &Env{SkipThreshold: 200 * time.Millisecond, SenderPort: 10000, ReceiverPort: 10001}
}
