package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/usui/wglimit/limit"
	"github.com/usui/wglimit/util"
)

type fakeLimiter struct {
	report   limit.Report
	settings map[limit.PeerKey]limit.Settings
	updated  map[limit.PeerKey]limit.Settings
	fail     error
}

func (f *fakeLimiter) Report() limit.Report { return f.report }

func (f *fakeLimiter) Settings(key limit.PeerKey) limit.Settings {
	if s, ok := f.settings[key]; ok {
		return s
	}
	return limit.DefaultSettings()
}

func (f *fakeLimiter) UpdateSettings(key limit.PeerKey, settings limit.Settings) error {
	if f.fail != nil {
		return f.fail
	}
	if f.updated == nil {
		f.updated = map[limit.PeerKey]limit.Settings{}
	}
	f.updated[key] = settings
	return nil
}

var testToken = util.Token{1, 2, 3}

func newTestServer(t *testing.T, limiter *fakeLimiter) *Server {
	t.Helper()
	tokens := map[util.TokenHash]struct{}{*testToken.Hash(): {}}
	return NewServer(limiter, tokens, prometheus.NewRegistry())
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &fakeLimiter{})
	if w := do(t, s, "GET", "/v1/limits", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d; want 401", w.Code)
	}
	if w := do(t, s, "GET", "/v1/limits", "notbase64!!", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("malformed token: status = %d; want 401", w.Code)
	}
	wrong := util.Token{9, 9, 9}
	if w := do(t, s, "GET", "/v1/limits", wrong.String(), ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown token: status = %d; want 401", w.Code)
	}
}

func TestGetLimits(t *testing.T) {
	limiter := &fakeLimiter{
		report: limit.Report{
			Tick: 42,
			Peers: []limit.PeerReport{
				{
					Interface: "wg0",
					PublicKey: "pk1",
					Settings:  limit.DefaultSettings(),
					Sessions:  []limit.SessionReport{},
				},
			},
		},
	}
	s := newTestServer(t, limiter)
	w := do(t, s, "GET", "/v1/limits", testToken.String(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var got limit.Report
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(limiter.report, got); diff != "" {
		t.Fatalf("report mismatch:\n%s", diff)
	}
}

func TestGetPeerLimit(t *testing.T) {
	key := limit.PeerKey{Interface: "wg0", PublicKey: "pk1"}
	limiter := &fakeLimiter{
		report: limit.Report{Tick: 7},
		settings: map[limit.PeerKey]limit.Settings{
			key: {MaxConcurrent: 2, Policy: limit.PolicyOldWins, TTLSeconds: 60, GraceSeconds: 5},
		},
	}
	s := newTestServer(t, limiter)
	w := do(t, s, "GET", "/v1/limits/wg0/pk1", testToken.String(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var got PeerLimitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Tick != 7 {
		t.Fatalf("tick = %d; want 7", got.Tick)
	}
	if diff := cmp.Diff(limiter.settings[key], got.Settings); diff != "" {
		t.Fatalf("settings mismatch:\n%s", diff)
	}
	if got.Peer != nil {
		t.Fatalf("peer = %+v; want nil for a peer with no live sessions", got.Peer)
	}
}

func TestPutPeerLimit(t *testing.T) {
	limiter := &fakeLimiter{}
	s := newTestServer(t, limiter)
	w := do(t, s, "PUT", "/v1/limits/wg0/pk1", testToken.String(),
		`{"maxConcurrent": 2, "policy": "old_wins"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	key := limit.PeerKey{Interface: "wg0", PublicKey: "pk1"}
	want := limit.Settings{
		MaxConcurrent: 2,
		Policy:        limit.PolicyOldWins,
		TTLSeconds:    limit.DefaultTTLSeconds,
		GraceSeconds:  limit.DefaultGraceSeconds,
	}
	if diff := cmp.Diff(want, limiter.updated[key]); diff != "" {
		t.Fatalf("adopted settings mismatch:\n%s", diff)
	}
}

func TestPutPeerLimitValidation(t *testing.T) {
	limiter := &fakeLimiter{}
	s := newTestServer(t, limiter)
	for _, body := range []string{
		`{"maxConcurrent": -1}`,
		`{"policy": "coin_flip"}`,
		`not json`,
	} {
		w := do(t, s, "PUT", "/v1/limits/wg0/pk1", testToken.String(), body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d; want 400", body, w.Code)
		}
	}
	if len(limiter.updated) != 0 {
		t.Fatalf("invalid settings were adopted: %v", limiter.updated)
	}
}
