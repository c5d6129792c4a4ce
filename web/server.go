package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"MissionBridge/internal/flightplan"
	"MissionBridge/internal/logger"
	"MissionBridge/internal/metrics"
	"MissionBridge/internal/routes"
	"MissionBridge/internal/telemetry"
)

const maxRequestBody = 1 << 20

// PlanSubmitter queues a plan for delivery and returns its ID. An error means
// the plan was not queued and the client may retry later.
type PlanSubmitter interface {
	SubmitPlan(plan *flightplan.FlightPlan, source string) (string, error)
}

// ImageSource exposes the most recently received image
type ImageSource interface {
	LatestImage() (data []byte, receivedAt time.Time, ok bool)
}

// PositionSource exposes the vehicle's last reported position
type PositionSource interface {
	Latest() (telemetry.Position, bool)
}

// RouteStore persists operator routes in numbered slots
type RouteStore interface {
	Slots() int
	Save(slot int, route routes.Route) error
	Load(slot int) (*routes.Route, error)
	Delete(slot int) error
	Meta() map[int]int
}

// Sources are the role components behind the API. Any of them may be nil on
// roles that do not have them.
type Sources struct {
	Plans     PlanSubmitter
	Images    ImageSource
	Positions PositionSource
	Routes    RouteStore

	// DefaultAltitude fills route points saved without an altitude
	DefaultAltitude float32
}

// PlanRequest is the body of POST /api/plan
type PlanRequest struct {
	Coordinates []flightplan.Coordinate `json:"coordinates"`
}

// PlanResponse is returned once a plan is queued
type PlanResponse struct {
	PlanID string `json:"plan_id"`
	Points int    `json:"points"`
}

// Server is the HTTP status and control API
type Server struct {
	router *mux.Router
	server *http.Server
	src    Sources
}

// NewServer builds the router
func NewServer(port int, src Sources) *Server {
	if src.DefaultAltitude <= 0 {
		src.DefaultAltitude = 100
	}
	s := &Server{
		router: mux.NewRouter(),
		src:    src,
	}

	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/plan", s.handlePlan).Methods(http.MethodPost)
	s.router.HandleFunc("/api/image", s.handleImage).Methods(http.MethodGet)
	s.router.HandleFunc("/api/position", s.handlePosition).Methods(http.MethodGet)

	s.router.HandleFunc("/api/routes", s.handleRouteMeta).Methods(http.MethodGet)
	s.router.HandleFunc("/api/routes/{slot:[0-9]+}", s.handleRouteLoad).Methods(http.MethodGet)
	s.router.HandleFunc("/api/routes/{slot:[0-9]+}", s.handleRouteSave).Methods(http.MethodPut, http.MethodPost)
	s.router.HandleFunc("/api/routes/{slot:[0-9]+}", s.handleRouteDelete).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/routes/{slot:[0-9]+}/send", s.handleRouteSend).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:           fmt.Sprintf("0.0.0.0:%d", port),
		Handler:        s.router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown
func (s *Server) Start() {
	logger.Info("[WEB] Starting web server on http://%s", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("[WEB] Web server error: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.Global.GetSnapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.src.Plans == nil {
		writeError(w, http.StatusNotImplemented, "this node does not accept plans")
		return
	}

	var req PlanRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if len(req.Coordinates) == 0 {
		writeError(w, http.StatusBadRequest, "coordinates cannot be empty")
		return
	}
	if len(req.Coordinates) > flightplan.DefaultMaxPoints {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many coordinates (max %d)", flightplan.DefaultMaxPoints))
		return
	}
	for i, c := range req.Coordinates {
		if err := c.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("coordinate %d: %v", i, err))
			return
		}
	}

	s.submit(w, flightplan.New(req.Coordinates, nil), "api")
}

func (s *Server) submit(w http.ResponseWriter, plan *flightplan.FlightPlan, source string) {
	id, err := s.src.Plans.SubmitPlan(plan, source)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	logger.Info("[WEB] Queued plan %s with %d points", id, plan.PointCount())
	writeJSON(w, http.StatusAccepted, PlanResponse{PlanID: id, Points: plan.PointCount()})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.src.Images == nil {
		http.NotFound(w, r)
		return
	}
	data, receivedAt, ok := s.src.Images.LatestImage()
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Last-Modified", receivedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handlePosition answers 204 until the first position arrives
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if s.src.Positions == nil {
		writeError(w, http.StatusNotImplemented, "telemetry is not enabled on this node")
		return
	}
	pos, ok := s.src.Positions.Latest()
	if !ok {
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleRouteMeta(w http.ResponseWriter, r *http.Request) {
	if !s.haveRoutes(w) {
		return
	}
	meta := make(map[string]int)
	for slot, n := range s.src.Routes.Meta() {
		meta[strconv.Itoa(slot)] = n
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRouteLoad(w http.ResponseWriter, r *http.Request) {
	if !s.haveRoutes(w) {
		return
	}
	route, ok := s.loadRoute(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleRouteSave(w http.ResponseWriter, r *http.Request) {
	if !s.haveRoutes(w) {
		return
	}
	slot, _ := strconv.Atoi(mux.Vars(r)["slot"])

	var route routes.Route
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := s.src.Routes.Save(slot, route); err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"slot":    slot,
		"points":  len(route.Points),
	})
}

func (s *Server) handleRouteDelete(w http.ResponseWriter, r *http.Request) {
	if !s.haveRoutes(w) {
		return
	}
	slot, _ := strconv.Atoi(mux.Vars(r)["slot"])
	if err := s.src.Routes.Delete(slot); err != nil {
		writeRouteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRouteSend queues the slot's route as a plan
func (s *Server) handleRouteSend(w http.ResponseWriter, r *http.Request) {
	if !s.haveRoutes(w) {
		return
	}
	if s.src.Plans == nil {
		writeError(w, http.StatusNotImplemented, "this node does not accept plans")
		return
	}
	route, ok := s.loadRoute(w, r)
	if !ok {
		return
	}
	s.submit(w, route.Plan(s.src.DefaultAltitude), "route")
}

func (s *Server) haveRoutes(w http.ResponseWriter) bool {
	if s.src.Routes == nil {
		writeError(w, http.StatusNotImplemented, "route slots are not available on this node")
		return false
	}
	return true
}

func (s *Server) loadRoute(w http.ResponseWriter, r *http.Request) (*routes.Route, bool) {
	slot, _ := strconv.Atoi(mux.Vars(r)["slot"])
	route, err := s.src.Routes.Load(slot)
	if err != nil {
		writeRouteError(w, err)
		return nil, false
	}
	return route, true
}

func writeRouteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routes.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, routes.ErrInvalidSlot), errors.Is(err, routes.ErrInvalidRoute):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("[WEB] Route store: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("[WEB] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": msg,
	})
}
