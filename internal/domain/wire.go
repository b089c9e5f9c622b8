package domain

import "encoding/json"

// WSRequest: команда мультиплексированного WebSocket-канала шлюз -> API.
type WSRequest struct {
	CmdID uint64          `json:"cmd_id"`
	Route string          `json:"route"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSResponse: ответ на команду с тем же cmd_id: либо result, либо error.
type WSResponse struct {
	CmdID  uint64          `json:"cmd_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError: тело ошибки и в HTTP, и в WS.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusRequest: параметры запроса статуса. Page и URL могут быть в base64.
type StatusRequest struct {
	Mode   string `json:"mode,omitempty"`
	Domain string `json:"domain,omitempty"`
	Page   string `json:"page"`
	URL    string `json:"url,omitempty"`
}

// StatusResponse: тело ответа /links/status.
type StatusResponse struct {
	Status *bool `json:"status"`
}

// StatusesResponse: тело ответа /links/statuses.
type StatusesResponse struct {
	Success  bool             `json:"success"`
	Statuses map[string]*bool `json:"statuses"`
}
