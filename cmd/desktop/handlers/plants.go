package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/kimhsiao/fieldmap/backend/internal/cache"
	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
	syncpkg "github.com/kimhsiao/fieldmap/backend/internal/sync"
)

// DefaultMaxUploadBytes bounds a single photo upload.
const DefaultMaxUploadBytes = 25 << 20

// PlantHandler serves the plant collection and photo uploads.
type PlantHandler struct {
	engine   syncpkg.SyncEngine
	cache    *cache.Cache
	maxBytes int64
}

// NewPlantHandler creates a new PlantHandler.
func NewPlantHandler(engine syncpkg.SyncEngine, c *cache.Cache) *PlantHandler {
	return &PlantHandler{engine: engine, cache: c, maxBytes: DefaultMaxUploadBytes}
}

// ListPlants handles GET /api/plants
// Optional query: state=pending|extracting|synced|error.
func (h *PlantHandler) ListPlants(w http.ResponseWriter, r *http.Request) {
	records := h.cache.SelectAll()

	if s := r.URL.Query().Get("state"); s != "" {
		state := models.SyncState(strings.ToLower(s))
		if !state.IsValid() {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "unknown state "+s))
			return
		}
		filtered := records[:0]
		for _, rec := range records {
			if rec.SyncState == state {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plants": records,
		"total":  len(records),
	})
}

// GetPlant handles GET /api/plants/{id}
func (h *PlantHandler) GetPlant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := h.cache.Get(id)
	if !ok {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "plant "+id+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreatePlant handles POST /api/plants
// Multipart form: file (required), healthState, detectedCrop, diagnosis, confidence.
// Responds 201 when synced and 202 when the upload was queued.
func (h *PlantHandler) CreatePlant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid multipart form", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "file is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read file", err))
		return
	}

	annotations, err := parseAnnotations(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.engine.SubmitUpload(r.Context(), syncpkg.UploadRequest{
		ImageName:   header.Filename,
		Image:       data,
		Annotations: annotations,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Outcome == syncpkg.OutcomeSynced {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func parseAnnotations(r *http.Request) (models.Annotations, error) {
	health, err := models.ParseHealthState(r.FormValue("healthState"))
	if err != nil {
		return models.Annotations{}, apperrors.Wrap(apperrors.ErrValidation, "invalid healthState", err)
	}

	a := models.Annotations{
		HealthState:  health,
		DetectedCrop: strings.TrimSpace(r.FormValue("detectedCrop")),
		Diagnosis:    strings.TrimSpace(r.FormValue("diagnosis")),
	}
	if c := r.FormValue("confidence"); c != "" {
		v, err := strconv.ParseFloat(c, 64)
		if err != nil || v < 0 || v > 100 {
			return models.Annotations{}, apperrors.New(apperrors.ErrValidation, "confidence must be a number between 0 and 100")
		}
		a.Confidence = v
	}
	return a, nil
}
