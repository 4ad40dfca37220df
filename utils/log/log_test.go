package log_test

import (
	"context"
	"testing"

	"github.com/jrife/polls/utils/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithFields(t *testing.T) {
	ctx := log.WithFields(context.Background(), zap.String("a", "1"))
	ctx = log.WithFields(ctx, zap.Int("b", 2))

	if fields := log.Fields(ctx); len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}

	if fields := log.Fields(context.Background()); len(fields) != 0 {
		t.Fatalf("expected no fields, got %d", len(fields))
	}
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := log.WithFields(context.Background(), zap.String("command", "get"))

	log.WithContext(ctx, zap.New(core)).Info("hello")

	entries := logs.All()

	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}

	if value := entries[0].ContextMap()["command"]; value != "get" {
		t.Fatalf("expected command field \"get\", got %#v", value)
	}
}

func TestNew(t *testing.T) {
	for _, env := range []string{log.EnvLocal, log.EnvProd} {
		logger, err := log.New(env)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if logger == nil {
			t.Fatalf("expected a logger for %s", env)
		}
	}
}
