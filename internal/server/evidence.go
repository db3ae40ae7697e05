package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"bidline/internal/engine/auth"
	"bidline/internal/evidence"
)

const defaultMaxUpload = 32 << 20

// registerEvidence mounts multipart upload and download next to the huma
// operations. Stored keys are what the images_path/documents_path fields carry.
func registerEvidence(r chi.Router, basePath string, cfg Config) {
	limit := cfg.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	prefix := path.Join(basePath, "evidence")

	r.Post(prefix, func(w http.ResponseWriter, req *http.Request) {
		principal, err := requirePermission(req.Context(), auth.PermEvidenceUpload)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if cfg.Evidence == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "evidence_unavailable", "evidence store not configured", nil))
			return
		}
		req.Body = http.MaxBytesReader(w, req.Body, limit)
		if err := req.ParseMultipartForm(limit); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "too_large", "upload exceeds limit", map[string]any{"limit": limit}))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart form required", nil))
			return
		}
		defer req.MultipartForm.RemoveAll()

		kind := evidence.Kind(strings.TrimSpace(req.FormValue("kind")))
		if kind == "" {
			kind = evidence.KindImage
		}
		if !kind.Valid() {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "validation_failed", "kind must be image or document", map[string]any{"fields": []string{"kind"}}))
			return
		}
		file, header, err := req.FormFile("file")
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "validation_failed", "file is required", map[string]any{"fields": []string{"file"}}))
			return
		}
		defer file.Close()

		key, err := cfg.Evidence.Put(req.Context(), kind, header.Filename, header.Header.Get("Content-Type"), file, header.Size)
		if err != nil {
			log.WithError(err).WithField("actor_id", principal.ActorID).Error("evidence upload failed")
			respondStatusError(w, handleError(err))
			return
		}
		log.WithFields(logrus.Fields{"actor_id": principal.ActorID, "key": key, "size": header.Size}).Info("evidence stored")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(EvidenceResponse{Path: key, Kind: string(kind), Size: header.Size})
	})

	r.Get(prefix+"/*", func(w http.ResponseWriter, req *http.Request) {
		if _, err := requirePermission(req.Context(), auth.PermProjectRead); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if cfg.Evidence == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "evidence_unavailable", "evidence store not configured", nil))
			return
		}
		key := chi.URLParam(req, "*")
		rc, err := cfg.Evidence.Open(req.Context(), key)
		if err != nil {
			if errors.Is(err, evidence.ErrNotFound) {
				respondStatusError(w, handleError(err))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		defer rc.Close()
		ct := mime.TypeByExtension(path.Ext(key))
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		_, _ = io.Copy(w, rc)
	})
}
