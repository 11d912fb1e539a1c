package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fieldsync/internal/domain"
	"fieldsync/internal/realtime"
)

var errSessionNotFound = errors.New("session not found")

type joinChannelRequest struct {
	Channel string `json:"channel"`
}

type sessionResponse struct {
	SessionID string   `json:"session_id"`
	Channels  []string `json:"channels"`
}

// handleEvents streams hub events as server-sent events. The first event is
// "session" carrying the id used to join and leave channels later.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeServiceError(w, errors.New("response writer does not support streaming"))
		return
	}

	actor := actorOf(r)
	channels := r.URL.Query()["channel"]
	if len(channels) == 0 {
		channels = defaultChannels(actor)
	}
	for _, channel := range channels {
		if !realtime.ValidChannel(channel) {
			writeError(w, http.StatusBadRequest, realtime.ErrInvalidChannel)
			return
		}
		if !canJoin(actor, channel) {
			writeError(w, http.StatusForbidden, fmt.Errorf("channel %s not allowed", channel))
			return
		}
	}

	sub, err := a.hub.SubscribeAs(ownerOf(actor), channels...)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "session", sessionResponse{SessionID: sub.ID, Channels: sortedChannels(sub)}); err != nil {
		return
	}
	flusher.Flush()
	a.log.Debug("event stream opened", zap.String("session", sub.ID), zap.String("user", actor.Username))

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			a.log.Debug("event stream closed", zap.String("session", sub.ID), zap.Int("dropped", sub.Dropped()))
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, event.Type, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ownedSession resolves a session id, treating sessions opened by another
// user as missing.
func (a *API) ownedSession(r *http.Request) (*realtime.Subscription, bool) {
	sub, ok := a.hub.Session(mux.Vars(r)["session"])
	if !ok || sub.Owner != ownerOf(actorOf(r)) {
		return nil, false
	}
	return sub, true
}

func (a *API) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}

	var req joinChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if !realtime.ValidChannel(req.Channel) {
		writeError(w, http.StatusBadRequest, realtime.ErrInvalidChannel)
		return
	}
	if !canJoin(actorOf(r), req.Channel) {
		writeError(w, http.StatusForbidden, fmt.Errorf("channel %s not allowed", req.Channel))
		return
	}

	if err := sub.Join(req.Channel); err != nil {
		if errors.Is(err, realtime.ErrSessionClosed) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sub.ID, Channels: sortedChannels(sub)})
}

func (a *API) handleLeaveChannel(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}
	sub.Leave(mux.Vars(r)["channel"])
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sub.ID, Channels: sortedChannels(sub)})
}

// handlePublish lets collaborating services broadcast staff and shop events
// through this hub.
func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req domain.PublishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !canJoin(actorOf(r), req.Channel) {
		writeError(w, http.StatusForbidden, fmt.Errorf("channel %s not allowed", req.Channel))
		return
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := a.hub.Publish(r.Context(), req.Channel, req.Type, payload); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"published": true})
}

func defaultChannels(actor domain.Actor) []string {
	channels := []string{realtime.TenantChannel(actor.TenantID)}
	for _, area := range actor.Areas {
		channels = append(channels, realtime.AreaChannel(actor.TenantID, area))
	}
	return channels
}

func ownerOf(actor domain.Actor) realtime.Owner {
	return realtime.Owner{Username: actor.Username, TenantID: actor.TenantID}
}

func sortedChannels(sub *realtime.Subscription) []string {
	channels := sub.Channels()
	slices.Sort(channels)
	return channels
}

func writeSSE(w http.ResponseWriter, eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, data)
	return err
}
