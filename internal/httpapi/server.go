package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/bmcctl/internal/bmc"
	"codeberg.org/mutker/bmcctl/internal/errors"
	"codeberg.org/mutker/bmcctl/internal/logger"
	"codeberg.org/mutker/bmcctl/internal/poller"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 90 * time.Second
	maxBodyBytes      = 1 << 10
)

// Poller is the part of poller.Poller the HTTP surface drives
type Poller interface {
	Snapshot() poller.Snapshot
	Refresh(ctx context.Context) bool
	PowerOn(ctx context.Context) error
	SetFanSpeed(ctx context.Context, fanID, duty int) error
	SetAllFanSpeeds(ctx context.Context, duty int) error
	SetFanMode(ctx context.Context, mode bmc.FanMode) error
}

type handler struct {
	poller Poller
	log    logger.Logger
}

type dutyRequest struct {
	Duty *int `json:"duty"`
}

type modeRequest struct {
	Mode bmc.FanMode `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewRouter returns the local status and control API
func NewRouter(p Poller, log logger.Logger) http.Handler {
	h := &handler{poller: p, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.state)
		r.Post("/refresh", h.refresh)
		r.Post("/power/on", h.powerOn)
		r.Put("/fans", h.setAllFans)
		r.Put("/fans/mode", h.setFanMode)
		r.Put("/fans/{id}", h.setFan)
	})

	return r
}

func (h *handler) state(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.poller.Snapshot())
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !h.poller.Refresh(r.Context()) {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, h.poller.Snapshot())
}

func (h *handler) powerOn(w http.ResponseWriter, r *http.Request) {
	if err := h.poller.PowerOn(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.poller.Snapshot())
}

func (h *handler) setFan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		h.writeError(w, errors.New().WithData(errors.ErrInvalidArgument, "fan id"))
		return
	}

	duty, ok := h.decodeDuty(w, r)
	if !ok {
		return
	}

	if err := h.poller.SetFanSpeed(r.Context(), id, duty); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.poller.Snapshot())
}

func (h *handler) setAllFans(w http.ResponseWriter, r *http.Request) {
	duty, ok := h.decodeDuty(w, r)
	if !ok {
		return
	}

	if err := h.poller.SetAllFanSpeeds(r.Context(), duty); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.poller.Snapshot())
}

func (h *handler) setFanMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(w, r, &req); err != nil || !req.Mode.IsValid() {
		h.writeError(w, errors.New().WithData(errors.ErrInvalidArgument, "mode must be auto or manual"))
		return
	}

	if err := h.poller.SetFanMode(r.Context(), req.Mode); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.poller.Snapshot())
}

func (h *handler) decodeDuty(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req dutyRequest
	if err := decodeBody(w, r, &req); err != nil || req.Duty == nil {
		h.writeError(w, errors.New().WithData(errors.ErrInvalidArgument, "duty"))
		return 0, false
	}
	return *req.Duty, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	h.writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Code: string(code)})
}

func statusFor(err error) int {
	switch {
	case bmc.IsCanceled(err):
		return http.StatusServiceUnavailable
	case errors.HasCode(err, errors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.HasCode(err, errors.ErrNoSession), errors.HasCode(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.HasCode(err, errors.ErrNoFanInfo):
		return http.StatusConflict
	case errors.HasCode(err, errors.ErrHTTPStatus), errors.HasCode(err, errors.ErrNetwork),
		errors.HasCode(err, errors.ErrDecoding), errors.HasCode(err, errors.ErrInvalidResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Server serves the router on a TCP address
type Server struct {
	srv *http.Server
	log logger.Logger
}

func NewServer(addr string, p Poller, log logger.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(p, log),
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
		},
		log: log,
	}
}

// Start listens on the configured address and serves in the background. It
// returns once the listener is bound.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInitFailed, err)
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP API stopped")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP API listening")
	return ln.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}
