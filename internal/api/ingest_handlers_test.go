package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"neustream/internal/admission"
)

func TestStreamAuthLifecycle(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	source := seedSourceWithDestinations(t, h, acct)

	rec := publishCallback(h.StreamAuth, "/api/streams/auth", source.StreamKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status     string   `json:"status"`
		Directives []string `json:"directives"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode publish response: %v", err)
	}
	if resp.Status != "live" || len(resp.Directives) != 2 {
		t.Fatalf("unexpected publish response: %+v", resp)
	}
	if resp.Directives[0] != "push rtmp://a.rtmp.youtube.com/live2/yt-key" {
		t.Fatalf("unexpected first directive: %s", resp.Directives[0])
	}

	// A re-announce while live succeeds without opening a second ledger row.
	rec = publishCallback(h.StreamAuth, "/api/streams/auth", source.StreamKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate publish returned %d, want 200", rec.Code)
	}
	var dup struct {
		Status    string `json:"status"`
		Duplicate bool   `json:"duplicate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dup); err != nil {
		t.Fatalf("decode duplicate response: %v", err)
	}
	if dup.Status != "live" || !dup.Duplicate {
		t.Fatalf("unexpected duplicate response: %+v", dup)
	}
	if streams, err := h.Store.ListActiveStreams(acct.user.ID); err != nil || len(streams) != 1 {
		t.Fatalf("expected exactly one live ledger row, got %d (err %v)", len(streams), err)
	}

	// Teardown, then the key streams again.
	if rec := publishCallback(h.StreamEnd, "/api/streams/end", source.StreamKey); rec.Code != http.StatusOK {
		t.Fatalf("stream end returned %d", rec.Code)
	}
	if rec := publishCallback(h.StreamAuth, "/api/streams/auth", source.StreamKey); rec.Code != http.StatusOK {
		t.Fatalf("republish after end returned %d: %s", rec.Code, rec.Body.String())
	}

	outcomes := h.Metrics.AuthOutcomes()
	if outcomes["success"] != 2 || outcomes["duplicate"] != 1 {
		t.Fatalf("unexpected auth outcomes: %v", outcomes)
	}
}

func TestStreamAuthRejectsUnknownKey(t *testing.T) {
	h := newTestHandler(t)
	registerAccount(t, h, "streamer@example.com")

	rec := publishCallback(h.StreamAuth, "/api/streams/auth", "000000000000000000000000000000000000000000000000")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key returned %d, want 401", rec.Code)
	}
	if outcomes := h.Metrics.AuthOutcomes(); outcomes["invalid_key"] != 1 {
		t.Fatalf("invalid_key outcome not recorded: %v", outcomes)
	}
}

func TestStreamAuthMissingKey(t *testing.T) {
	h := newTestHandler(t)
	rec := publishCallback(h.StreamAuth, "/api/streams/auth", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing key returned %d, want 400", rec.Code)
	}
}

func TestStreamAuthLegacyKey(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	seedSourceWithDestinations(t, h, acct)

	rec := publishCallback(h.StreamAuth, "/api/streams/auth", acct.user.StreamKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("legacy key publish returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Directives []string `json:"directives"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Directives) != 2 {
		t.Fatalf("legacy key forwarded %d directives, want 2", len(resp.Directives))
	}
}

func TestStreamAuthQuotaDenied(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	source := seedSourceWithDestinations(t, h, acct)

	quota := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(admission.Decision{Allowed: false, Current: 1, Max: 1})
	}))
	defer quota.Close()
	h.Admission = admission.NewClient(quota.URL)

	rec := publishCallback(h.StreamAuth, "/api/streams/auth", source.StreamKey)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("quota denial returned %d, want 403", rec.Code)
	}
	var resp struct {
		Allowed bool `json:"allowed"`
		Current int  `json:"current"`
		Max     int  `json:"max"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode denial response: %v", err)
	}
	if resp.Allowed || resp.Current != 1 || resp.Max != 1 {
		t.Fatalf("unexpected denial payload: %+v", resp)
	}

	// No ledger row may exist after a denied publish.
	if open, _ := h.Store.IsStreamOpen(source.StreamKey); open {
		t.Fatal("denied publish left a live ledger row")
	}
	if outcomes := h.Metrics.AuthOutcomes(); outcomes["quota_denied"] != 1 {
		t.Fatalf("quota_denied outcome not recorded: %v", outcomes)
	}
}

func TestStreamAuthFailsClosedWhenQuotaServiceDown(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	source := seedSourceWithDestinations(t, h, acct)

	quota := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	quota.Close()
	h.Admission = admission.NewClient(quota.URL)

	rec := publishCallback(h.StreamAuth, "/api/streams/auth", source.StreamKey)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("publish with dead quota service returned %d, want 403", rec.Code)
	}
}

func TestStreamEndWithoutLiveStreamIsSilent(t *testing.T) {
	h := newTestHandler(t)
	rec := publishCallback(h.StreamEnd, "/api/streams/end", "deadbeef")
	if rec.Code != http.StatusOK {
		t.Fatalf("orphan stream end returned %d, want 200", rec.Code)
	}
}

func TestForwardingLookup(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	source := seedSourceWithDestinations(t, h, acct)

	req := httptest.NewRequest(http.MethodGet, "/api/streams/forwarding/"+source.StreamKey, nil)
	rec := httptest.NewRecorder()
	h.ForwardingByKey(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarding lookup returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ResolvedVia  string `json:"resolvedVia"`
		UserID       string `json:"userId"`
		SourceID     string `json:"sourceId"`
		Destinations []struct {
			Platform string `json:"platform"`
		} `json:"destinations"`
		Directives []string `json:"directives"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode forwarding response: %v", err)
	}
	if resp.ResolvedVia != "source" || len(resp.Directives) != 2 {
		t.Fatalf("unexpected forwarding response: %+v", resp)
	}
	if resp.UserID != acct.user.ID || resp.SourceID != source.ID {
		t.Fatalf("forwarding response misattributed: user=%q source=%q", resp.UserID, resp.SourceID)
	}
	if len(resp.Destinations) != 2 || resp.Destinations[0].Platform != "youtube" {
		t.Fatalf("unexpected destinations: %+v", resp.Destinations)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/streams/forwarding/unknown-key", nil)
	rec = httptest.NewRecorder()
	h.ForwardingByKey(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown key lookup returned %d, want 404", rec.Code)
	}
}

func TestActiveStreamsListing(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	source := seedSourceWithDestinations(t, h, acct)

	if rec := publishCallback(h.StreamAuth, "/api/streams/auth", source.StreamKey); rec.Code != http.StatusOK {
		t.Fatalf("publish returned %d", rec.Code)
	}

	rec := authedJSON(t, h, h.ActiveStreams, http.MethodGet, "/api/streams/active", acct.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active streams returned %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode active streams: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("got %d active streams, want 1", resp.Count)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
}
