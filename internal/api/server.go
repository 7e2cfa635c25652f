package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sdn-guard/internal/alert"
	"sdn-guard/internal/anomaly"
	"sdn-guard/internal/archive"
	"sdn-guard/internal/controller"
	"sdn-guard/internal/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Options are the collaborators the management API reads and drives.
// Archive and Detector may be nil.
type Options struct {
	Controller *controller.Controller
	Detector   *anomaly.Detector
	Alerts     *alert.Store
	Archive    *archive.Archive
	Rules      []model.Rule
	JWTSecret  string
	Version    string
	Logger     *logrus.Logger
}

// Server is the /api/v1 management surface
type Server struct {
	ctrl      *controller.Controller
	detector  *anomaly.Detector
	alerts    *alert.Store
	archive   *archive.Archive
	rules     []model.Rule
	jwtSecret []byte
	version   string
	logger    *logrus.Logger
	startedAt time.Time
	upgrader  websocket.Upgrader
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		ctrl:      opts.Controller,
		detector:  opts.Detector,
		alerts:    opts.Alerts,
		archive:   opts.Archive,
		rules:     opts.Rules,
		jwtSecret: []byte(opts.JWTSecret),
		version:   version,
		logger:    logger,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				logger.Debugf("WebSocket origin check: %s", r.Header.Get("Origin"))
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the route table. Mutating routes go through requireAuth.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/health", s.Health).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.Health).Methods("GET")

	// Switches
	api.HandleFunc("/switches", s.ListSwitches).Methods("GET")
	api.HandleFunc("/switches/{id}", s.GetSwitch).Methods("GET")
	api.HandleFunc("/switches/{id}/meters", s.GetMeters).Methods("GET")
	api.HandleFunc("/switches/{id}/groups", s.GetGroups).Methods("GET")
	api.HandleFunc("/switches/{id}/routes", s.GetRoutes).Methods("GET")
	api.Handle("/switches/{id}/multipath", s.requireAuth(s.SetMultipath)).Methods("POST")
	api.Handle("/switches/{id}/failover", s.requireAuth(s.SetFailover)).Methods("POST")
	api.Handle("/switches/{id}/routes", s.requireAuth(s.RemoveRoute)).Methods("DELETE")
	api.Handle("/switches/{id}/reinstall", s.requireAuth(s.ReinstallSwitch)).Methods("POST")

	// Firewall
	api.HandleFunc("/firewall/rules", s.ListFirewallRules).Methods("GET")
	api.Handle("/firewall/rules", s.requireAuth(s.CreateFirewallRule)).Methods("POST")
	api.HandleFunc("/firewall/rules/{id}", s.GetFirewallRule).Methods("GET")
	api.Handle("/firewall/rules/{id}", s.requireAuth(s.UpdateFirewallRule)).Methods("PUT")
	api.Handle("/firewall/rules/{id}", s.requireAuth(s.DeleteFirewallRule)).Methods("DELETE")

	// Slices
	api.HandleFunc("/slices", s.ListSlices).Methods("GET")
	api.Handle("/slices", s.requireAuth(s.CreateSlice)).Methods("POST")
	api.HandleFunc("/slices/{id}", s.GetSlice).Methods("GET")
	api.Handle("/slices/{id}", s.requireAuth(s.UpdateSlice)).Methods("PUT")
	api.Handle("/slices/{id}", s.requireAuth(s.DeleteSlice)).Methods("DELETE")

	// Statistics
	api.HandleFunc("/stats/flows", s.GetFlowStats).Methods("GET")
	api.HandleFunc("/stats/samples", s.GetSamples).Methods("GET")
	api.HandleFunc("/stats/ports", s.GetPortStats).Methods("GET")
	api.Handle("/stats/poll", s.requireAuth(s.PollStats)).Methods("POST")

	// Alerts
	api.HandleFunc("/ids/alerts", s.GetIDSAlerts).Methods("GET")
	api.HandleFunc("/anomaly/alerts", s.GetAnomalyAlerts).Methods("GET")
	api.HandleFunc("/anomaly/status", s.GetAnomalyStatus).Methods("GET")
	api.Handle("/anomaly/reset", s.requireAuth(s.ResetAnomaly)).Methods("POST")
	api.HandleFunc("/alerts/archive", s.GetArchivedAlerts).Methods("GET")
	api.HandleFunc("/stream/alerts", s.StreamAlerts).Methods("GET")

	api.HandleFunc("/rules", s.GetRules).Methods("GET")
	api.HandleFunc("/system/info", s.GetSystemInfo).Methods("GET")

	// preflight for every route; corsMiddleware answers it
	api.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	return router
}

// ListenAndServe serves the API until ctx is cancelled, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           s.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorf("Server shutdown error: %v", err)
		}
	}()

	s.logger.Infof("API server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if origin != "*" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
