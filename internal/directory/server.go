package directory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"svcweave/internal/logging"
	"svcweave/internal/ratelimit"
)

type ServerOption func(*Server)

func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logging.Component(logger, "directory-server") }
}

// WithRateLimit caps requests per client host per minute.
func WithRateLimit(rpm int) ServerOption {
	return func(s *Server) { s.limiter = ratelimit.New(rpm) }
}

// Server answers the directory HTTP contract: POST /register,
// GET /lookup/{name}/{api} and GET /services.
type Server struct {
	store   Store
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	now     func() time.Time
}

func NewServer(store Store, opts ...ServerOption) *Server {
	s := &Server{store: store, logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware(clientHost))
	}
	r.Post("/register", s.handleRegister)
	r.Get("/lookup/{name}/{api}", s.handleLookup)
	r.Get("/services", s.handleList)
	return r
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid registration: "+err.Error())
		return
	}
	if reg.Info.Name == "" || reg.Info.API <= 0 {
		writeError(w, http.StatusBadRequest, "info.name and info.api are required")
		return
	}
	if reg.Port <= 0 || reg.Port > 65535 {
		writeError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}

	rec := Record{
		Name:      reg.Info.Name,
		API:       reg.Info.API,
		Location:  clientHost(r),
		Port:      reg.Port,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.store.Put(r.Context(), rec); err != nil {
		s.logger.Error("store registration", "service", rec.Key(), "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	s.logger.Info("service registered", "service", rec.Key(), "location", rec.Location, "port", rec.Port)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	api, err := strconv.Atoi(chi.URLParam(r, "api"))
	if err != nil || api <= 0 {
		writeError(w, http.StatusBadRequest, "api must be a positive integer")
		return
	}
	rec, err := s.store.Get(r.Context(), name, api)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, name+"/v"+strconv.Itoa(api)+" is not registered")
		return
	}
	if err != nil {
		s.logger.Error("lookup", "name", name, "api", api, "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, Location{Location: rec.Location, Port: rec.Port})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list registrations", "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
