package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// PingTimeout bounds the store check per request.
const PingTimeout = time.Second

// Pinger is implemented by both store backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Store   bool   `json:"store"`
}

// HTTPHandler reports 200 while the store answers a ping and 503 otherwise.
// A nil Pinger reports healthy.
func HTTPHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Store: true}
		code := http.StatusOK

		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), PingTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				st = Status{OK: false, Message: "store ping failed", Store: false}
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
