package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/service"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

type policiesResponse struct {
	Success  bool            `json:"success"`
	Policies []domain.Policy `json:"policies"`
}

func errMissing(field string) error {
	return fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, field)
}

// Create принимает документ {policies: [...]}, проверяет его по схеме и сохраняет.
// POST /policies/create
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}
	doc, err := h.service.ValidateDocument(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := h.service.Create(r.Context(), doc.Policies)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policiesResponse{Success: true, Policies: created})
}

// List: политики домена.
// GET /policies?domain=
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.List(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeTagged(w, r, policiesResponse{Success: true, Policies: policies})
}

type domainRequest struct {
	Domain string `json:"domain"`
}

// Defaults ставит сайту стандартный набор политик.
// POST /site/default-policies
func (h *PolicyHandler) Defaults(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	policies, err := h.service.InstallDefaults(r.Context(), req.Domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policiesResponse{Success: true, Policies: policies})
}
