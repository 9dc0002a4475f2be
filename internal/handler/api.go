package handler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MouTaaz/TazMou-ChatApp/internal/backend"
	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
	"github.com/MouTaaz/TazMou-ChatApp/internal/service/session"
	syncsvc "github.com/MouTaaz/TazMou-ChatApp/internal/service/sync"
	"github.com/MouTaaz/TazMou-ChatApp/pkg/utils"
)

// API carries the handlers' dependencies.
type API struct {
	sessions *session.Manager
	engine   *syncsvc.Engine
}

// New builds the API over the session manager and the sync engine.
func New(sessions *session.Manager, engine *syncsvc.Engine) *API {
	return &API{sessions: sessions, engine: engine}
}

func respondOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrMissingFields), errors.Is(err, syncsvc.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backend.ErrInvalidCredentials), errors.Is(err, backend.ErrUnauthorized), errors.Is(err, syncsvc.ErrNoSession):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, backend.ErrAlreadyRegistered):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backend.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, backend.ErrNetwork):
		utils.RespondError(w, http.StatusBadGateway, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username,omitempty"`
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.sessions.SignUp(r.Context(), req.Email, req.Password, req.Username); err != nil {
		respondOperationError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, a.engine.Snapshot())
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.sessions.SignIn(r.Context(), req.Email, req.Password); err != nil {
		respondOperationError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, a.engine.Snapshot())
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	a.sessions.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, a.engine.Snapshot())
}

// handleStream pushes a fresh snapshot over SSE after every mutation.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	utils.SendSSEEvent(w, flusher, "snapshot", a.engine.Snapshot())

	changes, cancel := a.engine.Watch()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-changes:
			utils.SendSSEEvent(w, flusher, "snapshot", a.engine.Snapshot())
		}
	}
}

type roomView struct {
	chat.RoomSummary
	Display syncsvc.DisplayProps `json:"display"`
}

func (a *API) roomViews(rooms []chat.RoomSummary) []roomView {
	views := make([]roomView, len(rooms))
	for i, room := range rooms {
		views[i] = roomView{RoomSummary: room, Display: a.engine.DisplayProps(room.Room)}
	}
	return views
}

func (a *API) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := a.engine.FilteredRooms()
	if query := r.URL.Query(); query.Has("q") {
		rooms = a.engine.RoomsMatching(query.Get("q"))
	}
	utils.RespondJSON(w, http.StatusOK, a.roomViews(rooms))
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		utils.RespondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	room, created, err := a.engine.GetOrCreateRoom(r.Context(), req.UserID)
	if err != nil {
		respondOperationError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	utils.RespondJSON(w, status, room)
}

func (a *API) handleOpenRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if err := a.engine.OpenRoom(r.Context(), roomID); err != nil {
		respondOperationError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, a.engine.Snapshot().Messages[roomID])
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if err := a.engine.SyncRoom(r.Context(), roomID); err != nil {
		respondOperationError(w, err)
		return
	}
	messages := a.engine.Snapshot().Messages[roomID]
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

type attachmentRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

func (req *attachmentRequest) toAttachment() (*syncsvc.Attachment, error) {
	decoded, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return nil, err
	}
	return &syncsvc.Attachment{
		Name:        req.Name,
		ContentType: req.ContentType,
		Size:        int64(len(decoded)),
		Reader:      bytes.NewReader(decoded),
	}, nil
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text  string             `json:"text"`
		Media *attachmentRequest `json:"media,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	send := syncsvc.SendRequest{
		RoomID: chi.URLParam(r, "roomID"),
		Text:   req.Text,
	}
	if req.Media != nil {
		attachment, err := req.Media.toAttachment()
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid media payload")
			return
		}
		send.Attachment = attachment
	}

	message, err := a.engine.SendMessage(r.Context(), send)
	if err != nil {
		respondOperationError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, message)
}

func (a *API) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.MarkSeen(r.Context(), chi.URLParam(r, "roomID")); err != nil {
		respondOperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string             `json:"username"`
		Email    string             `json:"email"`
		Avatar   *attachmentRequest `json:"avatar,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	current, ok := a.sessions.Session()
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "no active session")
		return
	}

	update := syncsvc.ProfileUpdate{
		ID:       current.UserID,
		Username: req.Username,
		Email:    req.Email,
	}
	if req.Avatar != nil {
		attachment, err := req.Avatar.toAttachment()
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid avatar payload")
			return
		}
		update.Avatar = attachment
	}

	profile, err := a.engine.SaveProfile(r.Context(), update)
	if err != nil {
		respondOperationError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, profile)
}
