package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"neustream/internal/models"
)

func TestSourceAndDestinationCRUD(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")

	rec := authedJSON(t, h, h.Sources, http.MethodPost, "/api/sources", acct.token,
		map[string]string{"name": "studio"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create source returned %d: %s", rec.Code, rec.Body.String())
	}
	var source models.StreamSource
	if err := json.Unmarshal(rec.Body.Bytes(), &source); err != nil {
		t.Fatalf("decode source: %v", err)
	}
	if source.StreamKey == "" || !source.Active {
		t.Fatalf("unexpected source: %+v", source)
	}

	rec = authedJSON(t, h, h.SourceByID, http.MethodPost, "/api/sources/"+source.ID+"/destinations", acct.token,
		map[string]string{"platform": "youtube", "rtmpUrl": "rtmp://a.rtmp.youtube.com/live2", "streamKey": "yt"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create destination returned %d: %s", rec.Code, rec.Body.String())
	}
	var dest models.Destination
	if err := json.Unmarshal(rec.Body.Bytes(), &dest); err != nil {
		t.Fatalf("decode destination: %v", err)
	}

	// Unknown platforms normalize to custom.
	rec = authedJSON(t, h, h.SourceByID, http.MethodPost, "/api/sources/"+source.ID+"/destinations", acct.token,
		map[string]string{"platform": "myspace", "rtmpUrl": "rtmp://example.com/live", "streamKey": "ms"})
	var custom models.Destination
	if err := json.Unmarshal(rec.Body.Bytes(), &custom); err != nil {
		t.Fatalf("decode custom destination: %v", err)
	}
	if custom.Platform != models.PlatformCustom {
		t.Fatalf("got platform %s, want custom", custom.Platform)
	}

	rec = authedJSON(t, h, h.DestinationByID, http.MethodPatch, "/api/destinations/"+dest.ID, acct.token,
		map[string]any{"active": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch destination returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = authedJSON(t, h, h.SourceByID, http.MethodPost, "/api/sources/"+source.ID+"/rotate-key", acct.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate key returned %d", rec.Code)
	}
	var rotated models.StreamSource
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("decode rotated source: %v", err)
	}
	if rotated.StreamKey == source.StreamKey {
		t.Fatal("rotate returned the old key")
	}

	rec = authedJSON(t, h, h.SourceByID, http.MethodDelete, "/api/sources/"+source.ID, acct.token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete source returned %d", rec.Code)
	}
	if dests := h.Store.ListUserDestinations(acct.user.ID); len(dests) != 0 {
		t.Fatalf("destinations survived source deletion: %d", len(dests))
	}
}

func TestSourceOwnershipEnforced(t *testing.T) {
	h := newTestHandler(t)
	owner := registerAccount(t, h, "owner@example.com")
	intruder := registerAccount(t, h, "intruder@example.com")
	source := seedSourceWithDestinations(t, h, owner)

	rec := authedJSON(t, h, h.SourceByID, http.MethodGet, "/api/sources/"+source.ID, intruder.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign source access returned %d, want 404", rec.Code)
	}
}

func TestAuthEndpoints(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")

	// Login with the right and wrong password.
	rec := authedJSON(t, h, h.Login, http.MethodPost, "/api/auth/login", acct.token,
		map[string]string{"email": "streamer@example.com", "password": "correct-horse"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = authedJSON(t, h, h.Login, http.MethodPost, "/api/auth/login", acct.token,
		map[string]string{"email": "streamer@example.com", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login returned %d, want 401", rec.Code)
	}

	// Me echoes the account without secrets.
	rec = authedJSON(t, h, h.Me, http.MethodGet, "/api/auth/me", acct.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me returned %d", rec.Code)
	}
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	for _, forbidden := range []string{"passwordHash", "totpSecret", "backupCodes"} {
		if _, leaked := raw[forbidden]; leaked {
			t.Fatalf("me response leaked %s", forbidden)
		}
	}
}
