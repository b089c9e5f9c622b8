package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/lms/internal/domain"
)

// ConfigProvider: конфигурация шлюзов (реализует service.ConfigService).
type ConfigProvider interface {
	Get() domain.GateConfig
	Set(ctx context.Context, mode domain.Mode) (domain.GateConfig, error)
}

type ConfigHandler struct {
	config ConfigProvider
}

func NewConfigHandler(c ConfigProvider) *ConfigHandler {
	return &ConfigHandler{config: c}
}

// Get: {version, mode} для heartbeat шлюза.
// GET /config
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeTagged(w, r, h.config.Get())
}

type setConfigRequest struct {
	Mode *int `json:"mode"`
}

// Set меняет режим всех шлюзов.
// PUT /config
func (h *ConfigHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Mode == nil {
		writeError(w, errMissing("mode"))
		return
	}
	cfg, err := h.config.Set(r.Context(), domain.Mode(*req.Mode))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
