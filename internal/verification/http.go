package verification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
)

// NewHTTPHandler exposes a broker's subjects over HTTP so a responder can be
// reached from other processes. Callers POST the request body to
// /subjects/<subject> and receive the reply body back; broker errors (no
// subscriber, context expiry) surface as 502 so the requester fails closed.
func NewHTTPHandler(broker Broker) http.Handler {
	router := chi.NewRouter()
	router.Post("/subjects/*", func(w http.ResponseWriter, r *http.Request) {
		subject := chi.URLParam(r, "*")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable request body", http.StatusBadRequest)
			return
		}

		reply, err := broker.Request(r.Context(), subject, body)
		if err != nil {
			http.Error(w, "subject unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	})
	return router
}

// HTTPBroker is the requester side of the HTTP transport. It is request-only;
// the process owning the subscription serves it through NewHTTPHandler.
type HTTPBroker struct {
	base   string
	client *http.Client
}

func NewHTTPBroker(baseURL string) *HTTPBroker {
	// The per-call context bounds each request; the client needs no timeout
	// of its own.
	return &HTTPBroker{base: strings.TrimRight(baseURL, "/"), client: &http.Client{}}
}

func (b *HTTPBroker) Subscribe(subject string, _ Handler) error {
	return fmt.Errorf("verification: http broker is request-only, cannot subscribe %q", subject)
}

func (b *HTTPBroker) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	url := b.base + "/subjects/" + subject
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("verification: build request for %q: %w", subject, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verification: request on %q: %w", subject, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verification: subject %q answered status %d", subject, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
