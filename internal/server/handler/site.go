package handler

import (
	"net/http"

	"github.com/xela07ax/lms/internal/service"
)

type SiteHandler struct {
	service *service.SiteService
}

func NewSiteHandler(s *service.SiteService) *SiteHandler {
	return &SiteHandler{service: s}
}

// Verify ставит перепроверку всего сайта.
// POST /site/verify
func (h *SiteHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := h.service.Verify(r.Context(), req.Domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": job.ID})
}
