package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	attempts := 0

	err := RetryIf(context.Background(), 5, 0,
		func(err error) bool { return !errors.Is(err, permanent) },
		func() error {
			attempts++
			return permanent
		})

	if !errors.Is(err, permanent) {
		t.Fatalf("RetryIf error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("RetryIf called fn %d times, want 1", attempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, 5, 0, func() error {
		attempts++
		cancel()
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("Retry should fail once the context is cancelled")
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times after cancel, want 1", attempts)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Errorf("first Wait should not block: %v", err)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "text")
	log.Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text logger output = %q, want k=v", buf.String())
	}

	buf.Reset()
	log = newLogger(&buf, "warn", "json")
	log.Info("dropped")
	log.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Errorf("json logger output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("ERROR") != slog.LevelError {
		t.Error("ParseLevel should be case-insensitive")
	}
	if ParseLevel("verbose") != slog.LevelInfo {
		t.Error("ParseLevel should default to info")
	}
}
