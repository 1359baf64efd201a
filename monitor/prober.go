package monitor

import (
	"context"
	"net/http"

	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/remote"
)

// Prober answers whether the remote side is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber treats any response below 500 as online.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// PingProber runs a one-row select against the remote service. Only
// network errors count as offline.
type PingProber struct {
	Remote     remote.Service
	Collection string
}

func (p PingProber) Probe(ctx context.Context) bool {
	_, err := p.Remote.Select(ctx, p.Collection, remote.Query{Limit: 1})
	return err == nil || !apperrors.IsRetryable(err)
}

// ProberFunc adapts a function.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}
