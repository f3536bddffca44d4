package handlers

import (
	"context"
	"net/http"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
)

// Presence is the network monitor as seen by the platform callbacks.
type Presence interface {
	IsOnline() bool
	IsForeground() bool
	SetOnline(online bool)
	SetForeground(ctx context.Context, foreground bool) error
}

// NetworkHandler receives connectivity and app lifecycle reports.
type NetworkHandler struct {
	monitor Presence
}

// NewNetworkHandler creates a NetworkHandler.
func NewNetworkHandler(monitor Presence) *NetworkHandler {
	return &NetworkHandler{monitor: monitor}
}

// PresenceResponse reports the monitor flags.
type PresenceResponse struct {
	Online     bool `json:"online"`
	Foreground bool `json:"foreground"`
}

func (h *NetworkHandler) presence() PresenceResponse {
	return PresenceResponse{Online: h.monitor.IsOnline(), Foreground: h.monitor.IsForeground()}
}

// GetNetwork handles GET /api/network.
func (h *NetworkHandler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.presence())
}

// SetNetwork handles POST /api/network, e.g. {"online": true}.
func (h *NetworkHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(r, &request, false); err != nil {
		writeError(w, err)
		return
	}
	if request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}

	h.monitor.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, h.presence())
}

// SetAppState handles POST /api/app/state. The state is "foreground" or
// "background".
func (h *NetworkHandler) SetAppState(w http.ResponseWriter, r *http.Request) {
	var request struct {
		State string `json:"state"`
	}
	if err := decodeJSON(r, &request, false); err != nil {
		writeError(w, err)
		return
	}

	var foreground bool
	switch request.State {
	case "foreground", "active":
		foreground = true
	case "background":
	default:
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown app state %q", request.State))
		return
	}

	if err := h.monitor.SetForeground(r.Context(), foreground); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.presence())
}
