package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/signing"
)

// receiver is a webhook endpoint for local end-to-end runs: it checks the
// signature, fails the first N deliveries and can delay its answers.
type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger

	mu       sync.Mutex
	reqCount int
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	mux.HandleFunc("/", rc.handleHook)
	return mux
}

func (rc *receiver) next() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.reqCount++
	return rc.reqCount
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := rc.next()
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	log := rc.logger.WithContext(r.Context()).
		WithDelivery(r.Header.Get("X-Webhook-Delivery")).
		WithEventType(r.Header.Get("X-Webhook-Event")).
		WithField("request", n)

	if rc.cfg.EndpointSecret != "" && !signing.Verify(b, rc.cfg.EndpointSecret, r.Header.Get(signing.Header)) {
		log.Warn("signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rc.cfg.ResponseDelay > 0 {
		select {
		case <-time.After(rc.cfg.ResponseDelay):
		case <-r.Context().Done():
			return
		}
	}

	// simulate flakiness: first N requests get a 500
	if n <= rc.cfg.FailFirstN {
		log.WithField("body", truncate(string(b), 160)).Infof("failing %d/%d", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithField("body", truncate(string(b), 160)).Info("webhook accepted")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HARBOR_CONFIG_FILE"))
	if err != nil {
		logging.Plain().WithError(err).Fatal("load config")
	}
	logger := logging.NewWithWriter("fake-receiver", logging.ParseLevel(cfg.Log.Level), os.Stdout)

	fr := cfg.FakeReceiver
	srv := &http.Server{
		Addr:         fr.Addr,
		Handler:      newReceiver(fr, logger).routes(),
		ReadTimeout:  fr.ReadTimeout,
		WriteTimeout: fr.WriteTimeout,
		IdleTimeout:  fr.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":         fr.Addr,
		"fail_first_n": fr.FailFirstN,
		"verify":       fr.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver serve")
	}
}
