package handler

import (
	"net/http"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/service"
)

type LinkHandler struct {
	service *service.LinkService
}

func NewLinkHandler(s *service.LinkService) *LinkHandler {
	return &LinkHandler{service: s}
}

// Status: решение по одной ссылке.
// GET /links/status?domain=&page=<b64>&url=<b64>&mode=
func (h *LinkHandler) Status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := h.service.GetStatus(r.Context(), service.StatusQuery{
		Mode:   q.Get("mode"),
		Domain: q.Get("domain"),
		Page:   DecodeURLParam(q.Get("page")),
		URL:    DecodeURLParam(q.Get("url")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.StatusResponse{Status: st})
}

// Statuses: статусы всех известных ссылок страницы.
// GET /links/statuses?domain=&page=<b64>&mode=
func (h *LinkHandler) Statuses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := h.service.GetStatuses(r.Context(), q.Get("mode"), q.Get("domain"), DecodeURLParam(q.Get("page")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.StatusesResponse{Success: true, Statuses: st})
}

type resolutionsRequest struct {
	DNS map[string]any `json:"dns"`
}

// Resolutions: отчет клиента о DNS-разрешениях.
// POST /links/resolutions
func (h *LinkHandler) Resolutions(w http.ResponseWriter, r *http.Request) {
	var req resolutionsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"domains": h.service.Resolutions(req.DNS),
	})
}
