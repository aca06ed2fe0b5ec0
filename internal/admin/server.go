// Package admin implements pgmux's HTTP administrative surface: a
// SHOW-POOLS-style JSON view of every configured pool, pause/resume/drain/
// remove verbs, Prometheus metrics, and liveness/readiness probes. It is a
// thin read-and-control surface, not the full administrative virtual
// database some poolers expose.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/health"
	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/registry"
)

// Server is the admin HTTP server.
type Server struct {
	registry    *registry.Registry
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer builds an admin server. It does not start listening.
func NewServer(reg *registry.Registry, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		registry:    reg,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start begins serving the admin API on host:port.
func (s *Server) Start(host string, port int) error {
	r := mux.NewRouter()
	r.Use(s.basicAuth)

	r.HandleFunc("/pools", s.listPools).Methods("GET")
	r.HandleFunc("/pools/{name}", s.getPool).Methods("GET")
	r.HandleFunc("/pools/{name}/clients", s.poolClients).Methods("GET")
	r.HandleFunc("/pools/{name}/servers", s.poolServers).Methods("GET")
	r.HandleFunc("/pools/{name}/pause", s.pausePool).Methods("POST")
	r.HandleFunc("/pools/{name}/resume", s.resumePool).Methods("POST")
	r.HandleFunc("/pools/{name}/drain", s.drainPool).Methods("POST")
	r.HandleFunc("/pools/{name}", s.removePool).Methods("DELETE")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// basicAuth enforces HTTP basic auth against the configured admin
// credentials. /metrics, /health and /ready stay open for scrapers and
// orchestrators that can't carry a password; everything else is gated if
// credentials are configured. An empty admin username disables auth
// entirely (useful for local development).
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics", "/health", "/ready":
			next.ServeHTTP(w, r)
			return
		}

		admin := s.registry.Admin()
		if admin.Username == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(admin.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(admin.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="pgmux admin"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Pool views ---

// poolView mirrors pgbouncer's SHOW POOLS vocabulary (sv_active, sv_idle,
// sv_used, cl_waiting) rather than the raw pool.Stats field names, since
// that's the vocabulary operators familiar with PgBouncer expect. sv_used
// tracks the same count as sv_active: pgmux doesn't yet distinguish
// "checked out and executing" from "checked out, idle in transaction" the
// way pgbouncer's sv_used/sv_active split implies.
type poolView struct {
	Name        string `json:"name"`
	ServerUser  string `json:"server_user"`
	Database    string `json:"database"`
	PoolMode    string `json:"pool_mode"`
	Paused      bool   `json:"paused"`
	ClWaiting   int    `json:"cl_waiting"`
	SvActive    int    `json:"sv_active"`
	SvIdle      int    `json:"sv_idle"`
	SvUsed      int    `json:"sv_used"`
	MaxConn     int    `json:"max_connections"`
	MinConn     int    `json:"min_connections"`
	Exhausted   bool   `json:"exhausted"`
	SyncReplay  bool   `json:"sync_server_parameters"`
}

func poolViewFromStats(name string, pc config.PoolConfig, stats pool.Stats) poolView {
	return poolView{
		Name:       name,
		ServerUser: stats.ServerUser,
		Database:   stats.Database,
		PoolMode:   pc.PoolMode,
		ClWaiting:  stats.WaitingClients,
		SvActive:   stats.ActiveServers,
		SvIdle:     stats.IdleServers,
		SvUsed:     stats.ActiveServers,
		MaxConn:    stats.MaxConns,
		MinConn:    stats.MinConns,
		Exhausted:  stats.Exhausted,
		SyncReplay: pc.SyncServerParameters,
	}
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.ListPools()

	var result []poolView
	for name, pc := range pools {
		paused := s.registry.IsPaused(name)
		statsList := s.poolMgr.PoolStats(name)
		if len(statsList) == 0 {
			pv := poolViewFromStats(name, pc, pool.Stats{PoolName: name, MaxConns: 0})
			pv.Paused = paused
			result = append(result, pv)
			continue
		}
		for _, st := range statsList {
			pv := poolViewFromStats(name, pc, st)
			pv.Paused = paused
			result = append(result, pv)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	pc, err := s.registry.ResolvePool(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}

	statsList := s.poolMgr.PoolStats(name)
	var views []poolView
	for _, st := range statsList {
		pv := poolViewFromStats(name, pc, st)
		pv.Paused = s.registry.IsPaused(name)
		views = append(views, pv)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"config": pc,
		"paused": s.registry.IsPaused(name),
		"health": s.healthCheck.GetStatus(name),
		"pools":  views,
	})
}

// poolClients reports cl_waiting broken down per server-user pool, standing
// in for pgbouncer's SHOW CLIENTS — pgmux tracks waiters at the pool level,
// not per individual client connection.
func (s *Server) poolClients(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := s.registry.ResolvePool(name); err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}

	statsList := s.poolMgr.PoolStats(name)
	type clientsView struct {
		ServerUser string `json:"server_user"`
		ClWaiting  int    `json:"cl_waiting"`
	}
	var result []clientsView
	for _, st := range statsList {
		result = append(result, clientsView{ServerUser: st.ServerUser, ClWaiting: st.WaitingClients})
	}
	writeJSON(w, http.StatusOK, result)
}

// poolServers reports server-connection occupancy per server-user pool,
// standing in for pgbouncer's SHOW SERVERS.
func (s *Server) poolServers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := s.registry.ResolvePool(name); err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}

	statsList := s.poolMgr.PoolStats(name)
	type serversView struct {
		ServerUser string `json:"server_user"`
		SvActive   int    `json:"sv_active"`
		SvIdle     int    `json:"sv_idle"`
	}
	var result []serversView
	for _, st := range statsList {
		result = append(result, serversView{ServerUser: st.ServerUser, SvActive: st.ActiveServers, SvIdle: st.IdleServers})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) pausePool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.registry.PausePool(name) {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	slog.Info("pool paused via admin API", "pool", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "pool": name})
}

func (s *Server) resumePool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.registry.ResumePool(name) {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	slog.Info("pool resumed via admin API", "pool", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "pool": name})
}

func (s *Server) drainPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := s.registry.ResolvePool(name); err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	s.poolMgr.Drain(name)
	slog.Info("pool drained via admin API", "pool", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining", "pool": name})
}

func (s *Server) removePool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.registry.RemovePool(name) {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	s.poolMgr.Remove(name)
	if s.healthCheck != nil {
		s.healthCheck.RemovePool(name)
	}
	if s.metrics != nil {
		s.metrics.RemovePool(name)
	}
	slog.Info("pool removed via admin API", "pool", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "pool": name})
}

// --- Health & readiness ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"pools":  statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.ListPools()
	if len(pools) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for name := range pools {
		if s.healthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & config ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	pools := s.registry.ListPools()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_pools":      len(pools),
		"listen": map[string]interface{}{
			"host":       s.listenCfg.Host,
			"port":       s.listenCfg.Port,
			"admin_bind": s.listenCfg.AdminBind,
			"admin_port": s.listenCfg.AdminPort,
			"tls":        s.listenCfg.TLSEnabled(),
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.ListPools()
	users := s.registry.ListUsers()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]interface{}{
			"host":       s.listenCfg.Host,
			"port":       s.listenCfg.Port,
			"admin_bind": s.listenCfg.AdminBind,
			"admin_port": s.listenCfg.AdminPort,
		},
		"pool_count": len(pools),
		"user_count": len(users),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
