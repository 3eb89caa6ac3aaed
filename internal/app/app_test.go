package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	healthcheck "rentmarket/internal/health"
	"rentmarket/internal/version"
)

// findFreePort возвращает свободный TCP-порт на localhost.
func findFreePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RunAddr != ":8080" {
		t.Fatalf("unexpected run addr: %s", cfg.RunAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Fatalf("unexpected metrics addr: %s", cfg.MetricsAddr)
	}
	if !cfg.DepositRate.Equal(decimal.NewFromFloat(0.2)) {
		t.Fatalf("unexpected deposit rate: %s", cfg.DepositRate)
	}
	if cfg.OutboxPollInterval <= 0 {
		t.Fatalf("outbox poll interval must be positive, got %s", cfg.OutboxPollInterval)
	}
	if cfg.OutboxBatchSize <= 0 {
		t.Fatalf("outbox batch size must be positive, got %d", cfg.OutboxBatchSize)
	}
	if cfg.IdempotencyCleanupInterval <= 0 {
		t.Fatalf("cleanup interval must be positive, got %s", cfg.IdempotencyCleanupInterval)
	}
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	logger := log.WithField("test", "http")

	port := findFreePort(t)
	addr := fmt.Sprintf(":%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	srv := startMetricsServer(ctx, addr, logger, healthHandler)
	defer shutdownHTTP(srv, logger)

	// Даём время на запуск
	time.Sleep(100 * time.Millisecond)

	for _, path := range []string{"/metrics", "/healthz", "/livez", "/readyz"} {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", port, path))
		if err != nil {
			t.Fatalf("failed to get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
		if len(body) == 0 {
			t.Errorf("%s should return non-empty response", path)
		}
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.JWTSecret = "test-secret"
	cfg.OutboxPollInterval = 50 * time.Millisecond
	cfg.IdempotencyCleanupInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg)
	}()

	// Дожидаемся, пока API начнёт отвечать
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(fmt.Sprintf("http://%s/api/orders", cfg.RunAddr))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("API did not become ready: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
