package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/acc-tracker/internal/domain"
)

// AnalyzeScreenshot reads a lap time from an uploaded screenshot. The
// result only pre-fills a submission; nothing is stored.
func (h *Handler) AnalyzeScreenshot(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.NewValidationError("image", "is required"))
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, domain.NewValidationError("image", "is too large"))
			return
		}
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(image)
	}

	analysis, err := h.vision.Analyze(r.Context(), image, mimeType)
	if err != nil {
		h.writeFailure(w, r, "analyze screenshot", err)
		return
	}
	h.writeSuccess(w, analysis)
}

// GetTips returns race engineer advice for a track and car
func (h *Handler) GetTips(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tips, err := h.vision.Tips(r.Context(), query.Get("track"), query.Get("car"))
	if err != nil {
		h.writeFailure(w, r, "get tips", err)
		return
	}
	h.writeSuccess(w, map[string]string{"tips": tips})
}
