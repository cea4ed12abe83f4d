package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"collab-editor/internal/log"
	"collab-editor/internal/models"
	"collab-editor/internal/repository"

	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// Handler serves the read-only introspection endpoints.
type Handler struct {
	docs     DocumentReader
	changes  ChangeHistory
	rooms    RoomDirectory
	sessions SessionLister
	presence PresenceReader
}

func NewHandler(docs DocumentReader, changes ChangeHistory, rooms RoomDirectory, sessions SessionLister) *Handler {
	return &Handler{
		docs:     docs,
		changes:  changes,
		rooms:    rooms,
		sessions: sessions,
	}
}

// SetPresenceReader adds the mirrored presence to /members responses.
func (h *Handler) SetPresenceReader(p PresenceReader) {
	h.presence = p
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  h.rooms.Rooms(),
	})
}

// authorize loads the document and applies the same rule as joining a
// session: the caller named by ?userId= must be the owner or a collaborator.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*models.Document, bool) {
	id := mux.Vars(r)["id"]
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return nil, false
	}

	doc, err := h.docs.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		log.FromContext(r.Context()).Error("failed to load document", "document_id", id, "err", err)
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return nil, false
	}
	if !doc.HasAccess(userID) {
		http.Error(w, "access denied", http.StatusForbidden)
		return nil, false
	}
	return doc, true
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.authorize(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.authorize(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := defaultHistoryLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	var after uint64
	if s := q.Get("after"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
		after = n
	}

	records, err := h.changes.ListByDocument(r.Context(), doc.ID, after, limit)
	if err != nil {
		log.FromContext(r.Context()).Error("failed to list changes", "document_id", doc.ID, "err", err)
		http.Error(w, "failed to list changes", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*models.ChangeRecord{}
	}
	total, err := h.changes.CountByDocument(r.Context(), doc.ID)
	if err != nil {
		log.FromContext(r.Context()).Error("failed to count changes", "document_id", doc.ID, "err", err)
		http.Error(w, "failed to list changes", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"document_id": doc.ID,
		"changes":     records,
		"limit":       limit,
		"total":       total,
	}
	if len(records) == limit {
		resp["next_after"] = records[len(records)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.authorize(w, r)
	if !ok {
		return
	}
	members := h.rooms.MembersOf(doc.ID)
	if members == nil {
		members = []models.Presence{}
	}
	resp := map[string]any{
		"document_id": doc.ID,
		"members":     members,
	}
	if h.presence != nil {
		// The mirror is best effort; local members are still served.
		mirrored, err := h.presence.Members(r.Context(), doc.ID)
		if err != nil {
			log.FromContext(r.Context()).Warn("failed to read presence mirror", "document_id", doc.ID, "err", err)
		} else {
			if mirrored == nil {
				mirrored = []models.Presence{}
			}
			resp["mirrored"] = mirrored
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.Sessions()
	if sessions == nil {
		sessions = []models.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
