// SPDX-License-Identifier: MIT

// Package httpapi is the HTTP surface: it routes requests to the
// registry, transcoder manager, and manifest watcher, and renders
// playlist/EPG text. Routing uses Go 1.22's method-prefixed
// http.ServeMux patterns ("GET /stream/{id}"); a dozen fixed routes
// with no nested groups doesn't earn a router framework.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/librenetworks/amps/internal/apierr"
	"github.com/librenetworks/amps/internal/epg"
	"github.com/librenetworks/amps/internal/health"
	"github.com/librenetworks/amps/internal/manifest"
	"github.com/librenetworks/amps/internal/model"
	"github.com/librenetworks/amps/internal/playlist"
	"github.com/librenetworks/amps/internal/transcoder"
)

// Registry is the subset of internal/registry.Registry the HTTP layer
// needs, kept as an interface so handlers can be tested against a fake.
type Registry interface {
	List() []model.Channel
	Snapshot() []model.Channel
	Get(id int) (model.Channel, error)
	Add(ch model.Channel) error
	Replace(id int, body model.Channel) error
	Delete(id int) error
	ReplacePrograms(id int, progs []model.Program) error
	GetPrograms(id int) ([]model.Program, error)
}

// Manager is the subset of internal/transcoder.Manager the HTTP layer
// needs.
type Manager interface {
	Open(ctx context.Context, key model.StreamKey, region string) (*transcoder.Subscriber, *transcoder.Record, error)
	ListLive() []transcoder.Info
	Kill(key model.StreamKey) error
	Touch(key model.StreamKey)
}

// Config wires the server's collaborators into the router.
type Config struct {
	Registry  Registry
	Manager   Manager
	Manifest  *manifest.Watcher
	MediaRoot string
	Token     string
	BaseURL   string // used to build absolute playlist URLs
	Logger    *slog.Logger
	StartTime time.Time
}

// NewRouter builds the full amps HTTP surface, wrapping every route
// except /metrics in the token-check middleware.
func NewRouter(cfg Config) http.Handler {
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	s := &server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /playlist.m3u", s.handlePlaylist)
	mux.HandleFunc("GET /stream/{id}", s.handleStream)
	mux.HandleFunc("GET /audio/{id}", s.handleAudio)
	mux.HandleFunc("GET /hls/{id}/{file...}", s.handleManifestFile(model.OutputHLS))
	mux.HandleFunc("GET /dash/{id}/{file...}", s.handleManifestFile(model.OutputDASH))

	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/streams", s.handleCreateStream)
	mux.HandleFunc("GET /api/streams/{id}", s.handleGetStream)
	mux.HandleFunc("PUT /api/streams/{id}", s.handleReplaceStream)
	mux.HandleFunc("DELETE /api/streams/{id}", s.handleDeleteStream)
	mux.HandleFunc("GET /api/streams/{id}/programs", s.handleGetPrograms)
	mux.HandleFunc("PUT /api/streams/{id}/programs", s.handlePutPrograms)

	mux.HandleFunc("GET /epg.xml", s.handleEPGXML)
	mux.HandleFunc("GET /api/epg", s.handleEPGJSON)

	mux.Handle("GET /metrics", health.NewHandler(s))
	mux.Handle("GET /healthz", health.NewHandler(s))

	return requestIDMiddleware(cfg.Logger, tokenMiddleware(cfg.Token, mux))
}

// requestIDMiddleware assigns each request a correlation id, echoed in
// the X-Request-Id response header and attached to any debug logging.
func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		if logger != nil {
			logger.Debug("http request", "id", id, "method", r.Method, "path", r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

type server struct {
	cfg Config
}

// Services implements health.StatusProvider from the transcoder
// manager's live-record snapshot.
func (s *server) Services() []health.ServiceInfo {
	live := s.cfg.Manager.ListLive()
	out := make([]health.ServiceInfo, 0, len(live))
	for _, info := range live {
		state := info.State.String()
		out = append(out, health.ServiceInfo{
			Name:        info.Key.String(),
			State:       state,
			Uptime:      time.Since(info.StartTime),
			Healthy:     state == "running" || state == "starting" || state == "degraded",
			Restarts:    info.Restarts,
			Subscribers: info.Subscribers,
			BytesOut:    info.BytesOut,
		})
	}
	return out
}

// tokenMiddleware enforces the bearer-token check on every route except
// /metrics, accepting the token via Authorization: Bearer,
// X-Amps-Token, or a ?token= query parameter.
func tokenMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if requestToken(r) != token {
			writeError(w, apierr.New(apierr.KindUnauthorized, "missing or invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if t := r.Header.Get("X-Amps-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// requestRegion resolves the effective region for a request, preferring
// the query parameter then falling back to the geo headers common CDN
// and proxy layers inject.
func requestRegion(r *http.Request) string {
	if v := r.URL.Query().Get("region"); v != "" {
		return v
	}
	for _, h := range []string{"X-Amps-Region", "CF-IPCountry", "X-Appengine-Country", "X-Region"} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (int, error) {
	raw := r.PathValue("id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.Newf(apierr.KindBadRequest, "invalid channel id %q", raw)
	}
	return id, nil
}

// --- playlist / EPG ---

func (s *server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	region := requestRegion(r)
	filter := playlist.ParseFilter(r.URL.Query(), region)
	out := playlist.Render(s.cfg.Registry.Snapshot(), playlist.Options{
		BaseURL: s.cfg.BaseURL,
		Token:   s.cfg.Token,
		Filter:  filter,
	})
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	_, _ = io.WriteString(w, out)
}

func (s *server) handleEPGXML(w http.ResponseWriter, r *http.Request) {
	out, err := epg.RenderXML(s.cfg.Registry.Snapshot())
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "render epg", err))
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(out)
}

func (s *server) handleEPGJSON(w http.ResponseWriter, r *http.Request) {
	out := epg.RenderJSON(s.cfg.Registry.Snapshot())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// --- streaming ---

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, "")
}

func (s *server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, model.OutputAudio)
}

// serveStream implements GET /stream/{id} and /audio/{id}: resolve the
// channel, build the stream key (forcing shape when forceShape is
// non-empty; /audio always forces the audio-only pipeline), evaluate
// the region check, call Open, and pipe bytes to the client until
// either side closes.
func (s *server) serveStream(w http.ResponseWriter, r *http.Request, forceShape model.OutputShape) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ch, err := s.cfg.Registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	region := requestRegion(r)
	if !ch.RegionAllowed(region) {
		writeError(w, apierr.Newf(apierr.KindForbidden, "channel %d not available in region %q", id, region))
		return
	}

	variant := r.URL.Query().Get("variant")
	shape := forceShape
	if shape == "" {
		shape = ch.OutputFormat
		if variant != "" {
			if v, ok := ch.FindVariant(variant); ok && v.OutputFormat != "" {
				shape = v.OutputFormat
			}
		}
		if shape == "" {
			shape = model.OutputTS
		}
	}

	key := model.StreamKey{ChannelID: id, Variant: variant, Shape: shape}
	if r.URL.Query().Get("overlap") == "true" {
		key.Overlap = newOverlapSuffix()
	}

	sub, rec, err := s.cfg.Manager.Open(r.Context(), key, region)
	if err != nil {
		writeError(w, err)
		return
	}

	if rec.Segmented() {
		// Segmented outputs are served as files by C4; the subscriber
		// handed back exists only to keep the record alive while the
		// client fetches its manifest/segments, so release it here.
		rec.Unsubscribe(sub.ID)
		http.Redirect(w, r, manifestURL(rec, id), http.StatusFound)
		return
	}

	streamBytes(w, r, rec, sub)

	// Disconnect discipline for overlap streams: a private record is
	// torn down the instant its sole client disconnects, not on the
	// next idle sweep.
	if key.IsOverlap() {
		_ = s.cfg.Manager.Kill(key)
	}
}

func manifestURL(rec *transcoder.Record, id int) string {
	switch rec.Info().Key.Shape {
	case model.OutputDASH:
		return "/dash/" + strconv.Itoa(id) + "/manifest.mpd"
	default:
		return "/hls/" + strconv.Itoa(id) + "/index.m3u8"
	}
}

// streamBytes pipes chunks from sub to w until the client disconnects
// or the subscriber's channel closes (record terminated/evicted); a
// disconnect detaches immediately. Overlap-record termination on
// disconnect is handled by the caller once streamBytes returns.
func streamBytes(w http.ResponseWriter, r *http.Request, rec *transcoder.Record, sub *transcoder.Subscriber) {
	w.Header().Set("Content-Type", "video/mp2t")
	flusher, _ := w.(http.Flusher)
	defer rec.Unsubscribe(sub.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-sub.Chunks:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// newOverlapSuffix synthesizes a fresh overlap key suffix: an
// 8-character slice of a uuid.NewString(), unique per request.
func newOverlapSuffix() string {
	return uuid.NewString()[:8]
}

// --- manifest (HLS/DASH files) ---

// handleManifestFile implements GET /hls/{id}/{file} and
// /dash/{id}/{file}: requesting the entry manifest implicitly triggers
// Open(key) if no record exists yet, so the first playlist request
// starts the producer.
func (s *server) handleManifestFile(shape model.OutputShape) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		file := r.PathValue("file")

		ch, err := s.cfg.Registry.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		region := requestRegion(r)
		if !ch.RegionAllowed(region) {
			writeError(w, apierr.Newf(apierr.KindForbidden, "channel %d not available in region %q", id, region))
			return
		}

		key := model.StreamKey{ChannelID: id, Variant: r.URL.Query().Get("variant"), Shape: shape}
		sub, rec, err := s.cfg.Manager.Open(r.Context(), key, region)
		if err != nil {
			writeError(w, err)
			return
		}
		rec.Unsubscribe(sub.ID) // manifest subscribers don't consume the ring

		// The client read is what keeps a segmented record alive; the
		// producer writes its own segments regardless, so only this
		// request path may reset the idle clock.
		s.cfg.Manager.Touch(key)

		if s.cfg.Manifest != nil {
			if err := s.cfg.Manifest.Watch(key.String(), rec.OutputDir(), nil); err != nil && s.cfg.Logger != nil {
				s.cfg.Logger.Warn("manifest watch failed", "key", key.String(), "err", err)
			}
		}

		f, info, err := manifest.Open(rec.OutputDir(), file)
		if err != nil {
			writeError(w, err)
			return
		}
		defer func() { _ = f.Close() }()

		http.ServeContent(w, r, file, info.ModTime(), f)
	}
}

// --- streams CRUD ---

func (s *server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Registry.List())
}

func (s *server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var ch model.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, apierr.Wrap(apierr.KindBadRequest, "decode channel body", err))
		return
	}
	if err := s.cfg.Registry.Add(ch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ch, err := s.cfg.Registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *server) handleReplaceStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body model.Channel
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Wrap(apierr.KindBadRequest, "decode channel body", err))
		return
	}
	if err := s.cfg.Registry.Replace(id, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Registry.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetPrograms(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	progs, err := s.cfg.Registry.GetPrograms(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progs)
}

func (s *server) handlePutPrograms(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var progs []model.Program
	if err := json.NewDecoder(r.Body).Decode(&progs); err != nil {
		writeError(w, apierr.Wrap(apierr.KindBadRequest, "decode programs body", err))
		return
	}
	if err := s.cfg.Registry.ReplacePrograms(id, progs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
