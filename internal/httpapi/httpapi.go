// Package httpapi is the read-only query/maintenance HTTP surface named in
// spec §6: Task lookup by id, predicate search by Pipe identity, and the
// IntegrityCheck/GarbageCollectVault maintenance operations, all backed by
// the same ResourceManagementSystem a CLI or library caller would use.
//
// Grounded on the teacher's mux-router wiring in its log-capture sibling
// repo (initHTTPServer: a single *mux.Router, one handler per route,
// a dedicated *http.Server), generalized from log-ingestion endpoints to
// provenance query endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pipeweave/internal/model"
	"pipeweave/internal/query"
	"pipeweave/internal/rms"
	"pipeweave/internal/workerpool"
)

// Server wraps an http.Server exposing the query/maintenance surface over
// a ResourceManagementSystem.
type Server struct {
	http *http.Server
	log  *logrus.Entry
}

// New builds a Server listening on addr.
func New(sys *rms.ResourceManagementSystem, addr string) *Server {
	r := mux.NewRouter()
	s := &Server{log: logrus.WithField("component", "httpapi")}

	r.HandleFunc("/tasks/{id}", s.getTask(sys)).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/ancestors", s.searchAncestors(sys)).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/descendants", s.searchDescendants(sys)).Methods(http.MethodGet)
	r.HandleFunc("/query", s.searchByPipe(sys)).Methods(http.MethodGet)
	r.HandleFunc("/maintenance/integrity-check", s.integrityCheck(sys)).Methods(http.MethodPost)
	r.HandleFunc("/maintenance/gc", s.garbageCollect(sys)).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	reg := prometheus.NewRegistry()
	workerpool.RegisterMetrics(reg)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe starts the server; it blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.http.Addr).Info("httpapi: listening")
	return s.http.ListenAndServe()
}

// Close shuts the server down immediately.
func (s *Server) Close() error {
	return s.http.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) getTask(sys *rms.ResourceManagementSystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		task, err := sys.Store.GetTask(model.ID(id))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) searchAncestors(sys *rms.ResourceManagementSystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		task, err := sys.Store.GetTask(model.ID(id))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		var preds []query.Predicate
		for _, a := range task.Args {
			switch a.Kind {
			case model.ArgResource:
				preds = append(preds, query.Ancestors(a.ResourceID))
			case model.ArgFileResource:
				preds = append(preds, query.Ancestors(a.FileResourceID))
			}
		}
		ids, err := sys.Query.Search(query.Or(preds...))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ids)
	}
}

func (s *Server) searchDescendants(sys *rms.ResourceManagementSystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		task, err := sys.Store.GetTask(model.ID(id))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		nodes := make([]model.ID, 0, len(task.Outputs))
		for _, o := range task.Outputs {
			nodes = append(nodes, o.NodeID())
		}
		ids, err := sys.Query.Search(query.Descendants(nodes...))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ids)
	}
}

func (s *Server) searchByPipe(sys *rms.ResourceManagementSystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pipeID := r.URL.Query().Get("pipe")
		if pipeID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pipe query parameter is required"})
			return
		}
		ids, err := sys.Query.Search(query.ByPipe([]model.ID{model.ID(pipeID)}, nil))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ids)
	}
}

func (s *Server) integrityCheck(sys *rms.ResourceManagementSystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := sys.IntegrityCheck()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) garbageCollect(sys *rms.ResourceManagementSystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := sys.GarbageCollectVault()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
