package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sliceforge/orchestrator/internal/apierr"
)

type admitURLRequest struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleAdmitImage accepts either a multipart file upload (field "file",
// plus "name"/"description" form fields) or a JSON {"url": ...} body, per
// spec §4.7's "URL or file upload" admission path. Either way the payload
// is first staged to a local file, then handed to images.Service.Admit.
func (s *Server) handleAdmitImage(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")

	var (
		stagedPath  string
		name        string
		description string
		importType  string
		err         error
	)

	if strings.HasPrefix(contentType, "multipart/") {
		stagedPath, name, description, err = s.stageUpload(r)
		importType = "file"
	} else {
		var req admitURLRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			s.writeError(w, apierr.Wrap(apierr.Validation, "decoding request body", derr))
			return
		}
		name, description = req.Name, req.Description
		stagedPath, err = s.stageFromURL(r.Context(), req.URL)
		importType = "url"
	}
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.Validation, "staging image payload", err))
		return
	}
	if name == "" {
		s.writeError(w, apierr.New(apierr.Validation, "name is required"))
		return
	}

	img, err := s.images.Admit(r.Context(), stagedPath, name, description, importType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, img)
}

func (s *Server) stageUpload(r *http.Request) (path, name, description string, err error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", "", "", fmt.Errorf("parsing multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", "", fmt.Errorf("reading file field: %w", err)
	}
	defer file.Close()

	dst := filepath.Join(os.TempDir(), uuid.NewString()+filepath.Ext(header.Filename))
	out, err := os.Create(dst)
	if err != nil {
		return "", "", "", fmt.Errorf("creating staged file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		return "", "", "", fmt.Errorf("writing staged file: %w", err)
	}
	return dst, r.FormValue("name"), r.FormValue("description"), nil
}

func (s *Server) stageFromURL(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	dst := filepath.Join(os.TempDir(), uuid.NewString())
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating staged file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}
	return dst, nil
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.images.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, imgs)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, apierr.New(apierr.Validation, "invalid image id"))
		return
	}
	if err := s.images.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
