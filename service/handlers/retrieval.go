package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-collab/service/business"
	"github.com/antinvestor/service-collab/service/models"
)

// PresenceReader reports which collaborators are online for a project.
type PresenceReader interface {
	ListOnline(ctx context.Context, projectID string) ([]string, error)
}

// SnapshotReader serves persisted project snapshots.
type SnapshotReader interface {
	Latest(ctx context.Context, projectID string) (*models.APISnapshot, error)
	History(ctx context.Context, projectID, cursor string, limit int) (*business.HistoryPage, error)
}

// RetrievalHandler serves the read-side HTTP API: who is online and the
// snapshot history of a project.
type RetrievalHandler struct {
	svc       *frame.Service
	presence  PresenceReader
	snapshots SnapshotReader
}

// NewRetrievalHandler creates the read-side API handler.
func NewRetrievalHandler(
	svc *frame.Service,
	presence PresenceReader,
	snapshots SnapshotReader,
) *RetrievalHandler {
	return &RetrievalHandler{
		svc:       svc,
		presence:  presence,
		snapshots: snapshots,
	}
}

// presenceResponse is the body of the presence endpoint.
type presenceResponse struct {
	ProjectID string   `json:"project_id"`
	Users     []string `json:"users"`
	Degraded  bool     `json:"degraded,omitempty"`
}

// Presence handles GET /v1/projects/{projectID}/presence.
//
// When the presence store is unreachable the endpoint degrades to an empty
// collaborator list instead of failing, since presence is advisory.
func (rh *RetrievalHandler) Presence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := mux.Vars(r)["projectID"]

	users, err := rh.presence.ListOnline(ctx, projectID)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("project_id", projectID).
			Warn("presence degraded to empty list")
		writeJSON(w, http.StatusOK, presenceResponse{
			ProjectID: projectID,
			Users:     []string{},
			Degraded:  true,
		})
		return
	}

	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, presenceResponse{ProjectID: projectID, Users: users})
}

// LatestSnapshot handles GET /v1/projects/{projectID}/snapshots/latest.
func (rh *RetrievalHandler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := mux.Vars(r)["projectID"]

	snapshot, err := rh.snapshots.Latest(ctx, projectID)
	if err != nil {
		rh.writeSnapshotError(ctx, w, projectID, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// SnapshotHistory handles GET /v1/projects/{projectID}/snapshots with
// optional cursor and limit query parameters.
func (rh *RetrievalHandler) SnapshotHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := mux.Vars(r)["projectID"]

	limit := 0
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	page, err := rh.snapshots.History(ctx, projectID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		rh.writeSnapshotError(ctx, w, projectID, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (rh *RetrievalHandler) writeSnapshotError(
	ctx context.Context,
	w http.ResponseWriter,
	projectID string,
	err error,
) {
	switch {
	case errors.Is(err, business.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "no snapshot for project")
	case errors.Is(err, business.ErrInvalidArgument), errors.Is(err, business.ErrProjectRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		util.Log(ctx).WithError(err).WithField("project_id", projectID).
			Error("snapshot store error")
		writeError(w, http.StatusServiceUnavailable, "snapshot store unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
