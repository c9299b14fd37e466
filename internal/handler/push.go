package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/middleware"
	"github.com/dmcore/internal/push"
	"github.com/dmcore/internal/repository"
)

type PushHandler struct {
	subs  *repository.PushSubRepository
	vapid *push.VAPIDKeys
}

func NewPushHandler(subs *repository.PushSubRepository, vapid *push.VAPIDKeys) *PushHandler {
	return &PushHandler{subs: subs, vapid: vapid}
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Subscribe stores (or refreshes) a browser push subscription for the
// caller. An endpoint re-registered by another account moves to it.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint and keys are required")
		return
	}

	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	sub := &repository.PushSubscription{
		Endpoint: req.Endpoint,
		UserID:   userID,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := h.subs.Save(ctx, sub); err != nil {
		logger.Errorf("pushSubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unsubscribe drops the caller's subscription for the given endpoint.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	if err := h.subs.Delete(ctx, userID, req.Endpoint); err != nil {
		logger.Errorf("pushUnsubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PushConfig exposes the VAPID public key the browser needs to subscribe.
func (h *PushHandler) PushConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"vapid_public_key": h.vapid.PublicKey})
}
