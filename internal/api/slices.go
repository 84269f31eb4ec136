package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/auth"
	"github.com/sliceforge/orchestrator/internal/lifecycle"
	"github.com/sliceforge/orchestrator/internal/model"
	"github.com/sliceforge/orchestrator/internal/queue"
	"github.com/sliceforge/orchestrator/internal/validate"
)

// SliceStore is the slice-related subset of *store.Store the frontend needs.
type SliceStore interface {
	InsertSlice(ctx context.Context, sl *model.Slice) (int, error)
	GetSlice(ctx context.Context, id int) (*model.Slice, error)
	ListSlices(ctx context.Context, userID int, admin bool) ([]*model.Slice, error)
}

// deployDeadline bounds how long handleCreateSlice waits on the
// end-to-end completion callback before giving up (spec §5: 5 minutes),
// plus a small margin for the callback itself to land.
const deployDeadline = 5*time.Minute + 10*time.Second

type sliceOutcome struct{ err error }

// waiterTable lets handleCreateSlice block on a channel closed by
// CompleteSlice once the placement-stage consumer finishes a slice's
// deploy, the synchronous "await completion callback" of spec §4.1 step 5.
type waiterTable struct {
	mu sync.Mutex
	ch map[int]chan sliceOutcome
}

func newWaiterTable() *waiterTable {
	return &waiterTable{ch: make(map[int]chan sliceOutcome)}
}

func (t *waiterTable) register(sliceID int) chan sliceOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := make(chan sliceOutcome, 1)
	t.ch[sliceID] = c
	return c
}

func (t *waiterTable) complete(sliceID int, err error) {
	t.mu.Lock()
	c, ok := t.ch[sliceID]
	delete(t.ch, sliceID)
	t.mu.Unlock()
	if ok {
		c <- sliceOutcome{err: err}
		close(c)
	}
}

func (t *waiterTable) forget(sliceID int) {
	t.mu.Lock()
	delete(t.ch, sliceID)
	t.mu.Unlock()
}

func (s *Server) handleCreateSlice(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSliceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.Wrap(apierr.Validation, "decoding request body", err))
		return
	}
	if err := validate.CreateSliceRequest(req); err != nil {
		s.writeError(w, err)
		return
	}

	principal := auth.FromContext(r.Context())
	slice := &model.Slice{
		UserID:      principal.ID,
		NombreSlice: req.NombreSlice,
		Zone:        req.ZonaDespliegue,
		Kind:        model.KindValidated,
		Request:     req.SolicitudJSON,
	}
	id, err := s.store.InsertSlice(r.Context(), slice)
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.DependencyUnavailable, "persisting slice", err))
		return
	}

	outcome := s.waiters.register(id)
	body, err := json.Marshal(map[string]int{"slice_id": id})
	if err != nil {
		s.waiters.forget(id)
		s.writeError(w, apierr.Wrap(apierr.Validation, "encoding queue message", err))
		return
	}
	if err := s.broker.Publish(r.Context(), queue.QueueName(queue.StageVLANMapping, req.ZonaDespliegue), body); err != nil {
		s.waiters.forget(id)
		s.writeError(w, apierr.Wrap(apierr.DependencyUnavailable, "publishing to vlan mapping queue", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deployDeadline)
	defer cancel()

	select {
	case result := <-outcome:
		if result.err != nil {
			s.writeError(w, result.err)
			return
		}
	case <-ctx.Done():
		s.waiters.forget(id)
		s.writeError(w, apierr.New(apierr.DependencyUnavailable, "deploy did not complete within the deadline; poll GET /slices/{id}"))
		return
	}

	final, err := s.store.GetSlice(r.Context(), id)
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.DependencyUnavailable, "loading deployed slice", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, final)
}

func (s *Server) handleListSlices(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	slices, err := s.store.ListSlices(r.Context(), principal.ID, principal.IsAdmin())
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.DependencyUnavailable, "listing slices", err))
		return
	}
	s.writeJSON(w, http.StatusOK, slices)
}

func (s *Server) handleGetSlice(w http.ResponseWriter, r *http.Request) {
	slice, err := s.loadOwnedSlice(w, r)
	if err != nil {
		return
	}
	s.writeJSON(w, http.StatusOK, slice)
}

func (s *Server) handleDeleteSlice(w http.ResponseWriter, r *http.Request) {
	slice, err := s.loadOwnedSlice(w, r)
	if err != nil {
		return
	}
	if err := s.engine.Delete(r.Context(), slice.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSliceTransition(t lifecycle.Transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slice, err := s.loadOwnedSlice(w, r)
		if err != nil {
			return
		}
		if err := s.engine.TransitionSlice(r.Context(), slice.ID, t); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleVMTransition(t lifecycle.Transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slice, err := s.loadOwnedSlice(w, r)
		if err != nil {
			return
		}
		vmName := chi.URLParam(r, "vm")
		if err := s.engine.TransitionVM(r.Context(), slice.ID, vmName, t); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// loadOwnedSlice resolves the {id} path param, loads the slice, and
// enforces spec §6's read/write ownership rule: clients see and act on
// only their own slices, admins see and act on every slice.
func (s *Server) loadOwnedSlice(w http.ResponseWriter, r *http.Request) (*model.Slice, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		apiErr := apierr.New(apierr.Validation, "invalid slice id")
		s.writeError(w, apiErr)
		return nil, apiErr
	}
	slice, err := s.store.GetSlice(r.Context(), id)
	if err != nil {
		apiErr := apierr.Wrap(apierr.NotFound, fmt.Sprintf("slice %d", id), err)
		s.writeError(w, apiErr)
		return nil, apiErr
	}
	principal := auth.FromContext(r.Context())
	if !principal.IsAdmin() && slice.UserID != principal.ID {
		apiErr := apierr.New(apierr.Forbidden, "slice does not belong to the caller")
		s.writeError(w, apiErr)
		return nil, apiErr
	}
	return slice, nil
}
