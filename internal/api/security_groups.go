package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sliceforge/orchestrator/internal/apierr"
	"github.com/sliceforge/orchestrator/internal/model"
)

// SecurityGroupStore is the security-group read subset the frontend needs
// directly (mutations go through internal/secgroup.Service).
type SecurityGroupStore interface {
	GetSecurityGroupByName(ctx context.Context, sliceID int, name string) (*model.SecurityGroup, error)
	ListSecurityGroups(ctx context.Context, sliceID int) ([]*model.SecurityGroup, error)
}

type createSecurityGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateSecurityGroup(w http.ResponseWriter, r *http.Request) {
	slice, err := s.loadOwnedSlice(w, r)
	if err != nil {
		return
	}
	var req createSecurityGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.Wrap(apierr.Validation, "decoding request body", err))
		return
	}
	if req.Name == "" {
		s.writeError(w, apierr.New(apierr.Validation, "name is required"))
		return
	}

	sg, err := s.sg.CreateCustom(r.Context(), slice.Zone, slice.ID, req.Name, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sg)
}

func (s *Server) handleDeleteSecurityGroup(w http.ResponseWriter, r *http.Request) {
	slice, err := s.loadOwnedSlice(w, r)
	if err != nil {
		return
	}
	name := chi.URLParam(r, "name")
	sg, err := s.store.GetSecurityGroupByName(r.Context(), slice.ID, name)
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.NotFound, "security group "+name, err))
		return
	}
	if err := s.sg.DeleteCustom(r.Context(), slice.Zone, slice.ID, sg); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	slice, err := s.loadOwnedSlice(w, r)
	if err != nil {
		return
	}
	name := chi.URLParam(r, "name")
	sg, err := s.store.GetSecurityGroupByName(r.Context(), slice.ID, name)
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.NotFound, "security group "+name, err))
		return
	}

	var rule model.SecurityGroupRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, apierr.Wrap(apierr.Validation, "decoding request body", err))
		return
	}

	added, err := s.sg.AddRule(r.Context(), slice.Zone, slice.ID, sg, rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	slice, err := s.loadOwnedSlice(w, r)
	if err != nil {
		return
	}
	name := chi.URLParam(r, "name")
	sg, err := s.store.GetSecurityGroupByName(r.Context(), slice.ID, name)
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.NotFound, "security group "+name, err))
		return
	}
	ruleID, err := strconv.Atoi(chi.URLParam(r, "ruleID"))
	if err != nil {
		s.writeError(w, apierr.New(apierr.Validation, "invalid rule id"))
		return
	}

	if err := s.sg.RemoveRule(r.Context(), slice.Zone, slice.ID, sg, ruleID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
