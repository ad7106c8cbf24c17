package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/usecase/relay"
)

type stubController struct {
	enabled   []string
	disabled  []string
	enableErr error
	snap      domain.UsageSnapshot
	refreshed int
	ran       []string
}

func (c *stubController) Sources() []relay.SourceState {
	return []relay.SourceState{{Name: relay.SourceNameFeeds, Type: domain.SourceFeed, Enabled: true, Interval: "10m0s"}}
}

func (c *stubController) Enable(_ context.Context, name string) error {
	if c.enableErr != nil {
		return c.enableErr
	}
	if name != relay.SourceNameFeeds && name != relay.SourceNameSocial {
		return relay.ErrUnknownSource
	}
	c.enabled = append(c.enabled, name)
	return nil
}

func (c *stubController) Disable(name string) error {
	c.disabled = append(c.disabled, name)
	return nil
}

func (c *stubController) RunNow(name string) error {
	switch name {
	case relay.SourceNameFeeds:
		c.ran = append(c.ran, name)
		return nil
	case relay.SourceNameSocial:
		return relay.ErrSourceDisabled
	default:
		return relay.ErrUnknownSource
	}
}

func (c *stubController) Keys() (domain.UsageSnapshot, error) { return c.snap, nil }

func (c *stubController) RefreshKeys(context.Context) (domain.UsageSnapshot, error) {
	c.refreshed++
	return c.snap, nil
}

func newTestServer(ctrl Controller, token string) *Server {
	return NewServer(ctrl, Options{AdminToken: token, Gatherer: prometheus.NewRegistry()}, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndMetricsArePublic(t *testing.T) {
	s := newTestServer(&stubController{}, "secret")
	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(&stubController{}, "secret")
	if rec := do(t, s, http.MethodGet, "/api/sources", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/sources", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/sources", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var states []relay.SourceState
	if err := json.NewDecoder(rec.Body).Decode(&states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(states) != 1 || states[0].Name != relay.SourceNameFeeds || !states[0].Enabled {
		t.Fatalf("states = %+v", states)
	}
}

func TestEnableDisableSource(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(ctrl, "")

	if rec := do(t, s, http.MethodPost, "/api/sources/feeds/enable", ""); rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/sources/social/disable", ""); rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if len(ctrl.enabled) != 1 || ctrl.enabled[0] != "feeds" || len(ctrl.disabled) != 1 || ctrl.disabled[0] != "social" {
		t.Fatalf("enabled = %v disabled = %v", ctrl.enabled, ctrl.disabled)
	}
	if rec := do(t, s, http.MethodPost, "/api/sources/telegram/enable", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown source status = %d", rec.Code)
	}
}

func TestEnableRefusedWhileExhausted(t *testing.T) {
	s := newTestServer(&stubController{enableErr: domain.ErrSourceExhausted}, "")
	rec := do(t, s, http.MethodPost, "/api/sources/social/enable", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error == "" {
		t.Fatalf("body = %+v err = %v", body, err)
	}
}

func TestKeysEndpoints(t *testing.T) {
	ctrl := &stubController{snap: domain.UsageSnapshot{Active: domain.SlotFallback}}
	s := newTestServer(ctrl, "")

	rec := do(t, s, http.MethodGet, "/api/keys", "")
	var snap domain.UsageSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Active != domain.SlotFallback {
		t.Fatalf("snapshot = %+v", snap)
	}
	if rec := do(t, s, http.MethodPost, "/api/keys/refresh", ""); rec.Code != http.StatusOK || ctrl.refreshed != 1 {
		t.Fatalf("refresh status = %d refreshed = %d", rec.Code, ctrl.refreshed)
	}
}

func TestRunSource(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(ctrl, "secret")
	if rec := do(t, s, http.MethodPost, "/api/sources/feeds/run", "secret"); rec.Code != http.StatusAccepted {
		t.Fatalf("run status = %d", rec.Code)
	}
	if len(ctrl.ran) != 1 || ctrl.ran[0] != relay.SourceNameFeeds {
		t.Fatalf("ran = %v", ctrl.ran)
	}
	if rec := do(t, s, http.MethodPost, "/api/sources/social/run", "secret"); rec.Code != http.StatusConflict {
		t.Fatalf("disabled source status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/sources/nope/run", "secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown source status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/sources/feeds/run", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
}
