// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
)

func TestWriteError_EnvelopeShape(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusForbidden, api.ReasonSenderBlocked, "sender host is blocked")

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	var raw map[string]map[string]string
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	got := raw["error"]
	if got["code"] != "Forbidden" || got["reason_code"] != "SENDER_BLOCKED" || got["message"] != "sender host is blocked" {
		t.Errorf("envelope = %v", got)
	}
}

func TestReasonCodes_Stable(t *testing.T) {
	codes := map[string]string{
		"HASH_MISMATCH":      api.ReasonHashMismatch,
		"SENDER_BLOCKED":     api.ReasonSenderBlocked,
		"INSUFFICIENT_SCOPE": api.ReasonInsufficientScope,
		"SPOKE_INACTIVE":     api.ReasonSpokeInactive,
		"ALREADY_JOINED":     api.ReasonAlreadyJoined,
		"ALREADY_CONNECTED":  api.ReasonAlreadyConnected,
		"HUB_UNREACHABLE":    api.ReasonHubUnreachable,
		"WRONG_MODE":         api.ReasonWrongMode,
		"MISSING_QUERY":      api.ReasonMissingQuery,
		"RATE_LIMITED":       api.ReasonRateLimited,
	}
	for want, got := range codes {
		if got != want {
			t.Errorf("reason code changed: %q != %q", got, want)
		}
	}
}

func TestParseError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteConflict(w, api.ReasonAlreadyConnected, "spoke already connected")
	detail, ok := api.ParseError(w.Body.Bytes())
	if !ok || detail.ReasonCode != api.ReasonAlreadyConnected {
		t.Errorf("ParseError = %+v, %v", detail, ok)
	}
	if _, ok := api.ParseError([]byte("<html>bad gateway</html>")); ok {
		t.Error("non-envelope body must not parse")
	}
	if _, ok := api.ParseError([]byte(`{"status":"accepted"}`)); ok {
		t.Error("envelope without reason code must not parse")
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct{ Host string }

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"host":"a.example"}`))
	if !api.DecodeJSON(w, r, &dst) || dst.Host != "a.example" {
		t.Fatalf("DecodeJSON failed: %+v", dst)
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"host":`))
	if api.DecodeJSON(w, r, &dst) {
		t.Fatal("expected failure on truncated JSON")
	}
	if d, _ := api.ParseError(w.Body.Bytes()); w.Code != 400 || d.ReasonCode != api.ReasonInvalidJSON {
		t.Errorf("got %d %+v", w.Code, d)
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat(" ", api.DefaultMaxBody+1)))
	if api.DecodeJSON(w, r, &dst) || w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: code %d", w.Code)
	}
}

func TestRequireDeployment(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	w := httptest.NewRecorder()
	api.RequireDeployment("personal", "team")(ok).ServeHTTP(w, httptest.NewRequest("POST", "/federation/approve-spoke", nil))
	d, _ := api.ParseError(w.Body.Bytes())
	if w.Code != http.StatusBadRequest || d.ReasonCode != api.ReasonWrongMode {
		t.Errorf("wrong mode: %d %+v", w.Code, d)
	}

	w = httptest.NewRecorder()
	api.RequireDeployment("team", "team")(ok).ServeHTTP(w, httptest.NewRequest("POST", "/federation/approve-spoke", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("matching mode should pass, got %d", w.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	w := httptest.NewRecorder()
	api.HealthHandler(w, httptest.NewRequest("GET", "/api/healthz", nil))
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}
