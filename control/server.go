// Package control is the HTTP surface the dashboard backend talks to: read
// effective limits and live usage, write limit configuration. It never
// touches session or firewall state directly; it sees only the report
// published by the tick loop.
package control

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/usui/wglimit/limit"
	"github.com/usui/wglimit/util"
)

// Limiter is the daemon as seen by the control surface.
type Limiter interface {
	// Report returns the complete limiter snapshot from the latest tick.
	Report() limit.Report
	// Settings returns the effective settings for a peer.
	Settings(key limit.PeerKey) limit.Settings
	// UpdateSettings validates and adopts new settings for a peer,
	// effective from the next tick.
	UpdateSettings(key limit.PeerKey, settings limit.Settings) error
}

type Server struct {
	mux     *http.ServeMux
	limiter Limiter
	tokens  map[util.TokenHash]struct{}
}

// NewServer builds the control server. tokens is the set of accepted bearer
// token hashes; gatherer serves /metrics and may be nil to use the default.
func NewServer(limiter Limiter, tokens map[util.TokenHash]struct{}, gatherer prometheus.Gatherer) *Server {
	if tokens == nil {
		panic("control.NewServer: tokens map must not be nil")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		mux:     http.NewServeMux(),
		limiter: limiter,
		tokens:  tokens,
	}
	s.mux.HandleFunc("GET /v1/limits", s.getLimits)
	s.mux.HandleFunc("GET /v1/limits/{iface}/{peer}", s.getPeerLimit)
	s.mux.HandleFunc("PUT /v1/limits/{iface}/{peer}", s.putPeerLimit)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// authorize checks the request's bearer token against the accepted hashes.
// If this returns false the response has already been written.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (ok bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		http.Error(w, "Authorization header must have type Bearer", http.StatusUnauthorized)
		return false
	}
	token, err := util.ParseToken(strings.TrimPrefix(header, prefix))
	if err != nil {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return false
	}
	if _, ok := s.tokens[*token.Hash()]; !ok {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) getLimits(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	writeJSON(w, s.limiter.Report())
}

// PeerLimitResponse is the detail view for one peer: its effective settings
// and, if the peer has live sessions, the published usage.
type PeerLimitResponse struct {
	Settings limit.Settings    `json:"settings"`
	Tick     uint64            `json:"tick"`
	Peer     *limit.PeerReport `json:"peer,omitempty"`
}

func (s *Server) getPeerLimit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	key := limit.PeerKey{Interface: r.PathValue("iface"), PublicKey: r.PathValue("peer")}
	report := s.limiter.Report()
	resp := PeerLimitResponse{
		Settings: s.limiter.Settings(key),
		Tick:     report.Tick,
	}
	if pr, ok := report.Peer(key.Interface, key.PublicKey); ok {
		resp.Peer = &pr
	}
	writeJSON(w, resp)
}

func (s *Server) putPeerLimit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	key := limit.PeerKey{Interface: r.PathValue("iface"), PublicKey: r.PathValue("peer")}
	settings := limit.DefaultSettings()
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := settings.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.limiter.UpdateSettings(key, settings); err != nil {
		zap.S().Errorf("control: updating %s/%s: %s", key.Interface, key.PublicKey, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Errorf("control: encoding response: %s", err)
	}
}
