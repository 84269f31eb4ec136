// Package api is the orchestration frontend (spec §4.1): a chi.Router
// exposing slice, security-group, and image-catalog resources behind
// bearer auth, generalized from the teacher's internal/api.Server (a
// single http.Server with explicit timeouts and a graceful Shutdown) from
// a status/health mux to a full resource router.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/auth"
	"github.com/sliceforge/orchestrator/internal/images"
	"github.com/sliceforge/orchestrator/internal/lifecycle"
	"github.com/sliceforge/orchestrator/internal/secgroup"
)

// Store is the persistence surface the frontend needs from *store.Store.
type Store interface {
	SliceStore
	SecurityGroupStore
}

// Publisher is the subset of *queue.Broker the frontend needs: publishing
// the vlan-mapping kickoff message for a newly created slice.
type Publisher interface {
	Publish(ctx context.Context, queueName string, body []byte) error
}

// Server is the orchestration frontend's HTTP API.
type Server struct {
	addr    string
	logger  *slog.Logger
	store   Store
	engine  *lifecycle.Engine
	sg      *secgroup.Service
	images  *images.Service
	broker  Publisher
	verify  *auth.Verifier
	router  chi.Router
	httpSrv *http.Server

	waiters *waiterTable
}

// Deps collects the Server's constructor dependencies.
type Deps struct {
	Addr    string
	Logger  *slog.Logger
	Store   Store
	Engine  *lifecycle.Engine
	SG      *secgroup.Service
	Images  *images.Service
	Broker  Publisher
	Verify  *auth.Verifier
}

// NewServer builds a Server and wires its routes.
func NewServer(d Deps) *Server {
	s := &Server{
		addr:    d.Addr,
		logger:  d.Logger,
		store:   d.Store,
		engine:  d.Engine,
		sg:      d.SG,
		images:  d.Images,
		broker:  d.Broker,
		verify:  d.Verify,
		waiters: newWaiterTable(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.verify.Middleware)

		r.Post("/slices", s.handleCreateSlice)
		r.Get("/slices", s.handleListSlices)
		r.Get("/slices/{id}", s.handleGetSlice)
		r.Delete("/slices/{id}", s.handleDeleteSlice)
		r.Post("/slices/{id}/pause", s.handleSliceTransition(lifecycle.Pause))
		r.Post("/slices/{id}/resume", s.handleSliceTransition(lifecycle.Resume))
		r.Post("/slices/{id}/shutdown", s.handleSliceTransition(lifecycle.Shutdown))
		r.Post("/slices/{id}/start", s.handleSliceTransition(lifecycle.Start))
		r.Post("/slices/{id}/vms/{vm}/pause", s.handleVMTransition(lifecycle.Pause))
		r.Post("/slices/{id}/vms/{vm}/resume", s.handleVMTransition(lifecycle.Resume))
		r.Post("/slices/{id}/vms/{vm}/shutdown", s.handleVMTransition(lifecycle.Shutdown))
		r.Post("/slices/{id}/vms/{vm}/start", s.handleVMTransition(lifecycle.Start))

		r.Post("/slices/{id}/security-groups", s.handleCreateSecurityGroup)
		r.Delete("/slices/{id}/security-groups/{name}", s.handleDeleteSecurityGroup)
		r.Post("/slices/{id}/security-groups/{name}/rules", s.handleAddRule)
		r.Delete("/slices/{id}/security-groups/{name}/rules/{ruleID}", s.handleRemoveRule)

		r.Group(func(r chi.Router) {
			r.Get("/images", s.handleListImages)
			r.With(auth.RequireAdmin).Post("/images", s.handleAdmitImage)
			r.With(auth.RequireAdmin).Delete("/images/{id}", s.handleDeleteImage)
		})
	})

	return r
}

// Start begins serving in a goroutine. Call Stop to shut it down.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      6 * time.Minute, // slice creation awaits end-to-end deploy, spec §4.1 step 5
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting orchestration frontend", "addr", s.addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("frontend server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Info("stopping orchestration frontend")
	return s.httpSrv.Shutdown(ctx)
}

// CompleteSlice is called by the placement-stage consumer once a slice's
// deploy has finished (successfully or not), waking up any request
// currently blocked in handleCreateSlice's await.
func (s *Server) CompleteSlice(sliceID int, err error) {
	s.waiters.complete(sliceID, err)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError maps err onto its apierr.Code (defaulting to an internal
// error when err carries no typed code) and writes the stable JSON error
// body the CLI/frontend clients key off of.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apierr.Code("internal")
	status := http.StatusInternalServerError
	if ae, ok := apierr.As(err); ok {
		code = ae.Code
		status = apierr.HTTPStatus(ae.Code)
	} else {
		s.logger.Error("unclassified handler error", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": string(code), "message": err.Error()})
}
