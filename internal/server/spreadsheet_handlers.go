package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createDocumentRequest struct {
	Name     string          `json:"name"`
	BaseData json.RawMessage `json:"base_data"`
}

type dispatchRequest struct {
	Type             spreadsheet.RevisionType `json:"type"`
	ServerRevisionID string                   `json:"serverRevisionId"`
	NextRevisionID   string                   `json:"nextRevisionId"`
	Commands         json.RawMessage          `json:"commands"`
	TargetRevisionID string                   `json:"targetRevisionId"`
	ClientID         string                   `json:"clientId"`
}

type dispatchResponse struct {
	Accepted bool                         `json:"accepted"`
	Reason   spreadsheet.RejectReason     `json:"reason,omitempty"`
	Revision *spreadsheet.RevisionMessage `json:"revision,omitempty"`
}

type renameRevisionRequest struct {
	Name string `json:"name"`
}

type historyResponse struct {
	Revisions []spreadsheet.RevisionMeta       `json:"revisions"`
	Authors   map[string]users.AuthorProfile `json:"authors"`
}

type snapshotRequest struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type versionRequest struct {
	RevisionID string          `json:"revision_id"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

type resetRequest struct {
	BaseData json.RawMessage `json:"base_data"`
}

func (h *httpHandler) documentID(c *gin.Context) (spreadsheet.DocumentID, bool) {
	documentID, err := spreadsheet.NewDocumentID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	summary, err := h.spreadsheets.CreateDocument(c.Request.Context(), requestAuthor(c), request.Name, request.BaseData)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if err := h.spreadsheets.DeleteDocument(c.Request.Context(), documentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	state, err := h.spreadsheets.JoinSession(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleDispatch(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request dispatchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	revisionType := request.Type
	if revisionType == "" {
		revisionType = spreadsheet.RevisionTypeRemote
	}
	parentUUID, err := spreadsheet.NewRevisionUUID(request.ServerRevisionID)
	if err != nil {
		h.respondInvalid(c, "serverRevisionId is invalid")
		return
	}
	nextUUID, err := spreadsheet.NewRevisionUUID(request.NextRevisionID)
	if err != nil {
		h.respondInvalid(c, "nextRevisionId is invalid")
		return
	}
	var targetUUID spreadsheet.RevisionUUID
	if strings.TrimSpace(request.TargetRevisionID) != "" {
		targetUUID, err = spreadsheet.NewRevisionUUID(request.TargetRevisionID)
		if err != nil {
			h.respondInvalid(c, "targetRevisionId is invalid")
			return
		}
	}
	envelope, err := spreadsheet.NewRevisionEnvelope(spreadsheet.RevisionEnvelopeConfig{
		Type:               revisionType,
		ParentUUID:         parentUUID,
		NextUUID:           nextUUID,
		Commands:           request.Commands,
		TargetRevisionUUID: targetUUID,
		ClientID:           request.ClientID,
		AuthorID:           requestAuthor(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.spreadsheets.Dispatch(c.Request.Context(), documentID, envelope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !result.Accepted {
		c.JSON(http.StatusConflict, dispatchResponse{Accepted: false, Reason: result.Reason})
		return
	}

	revision := result.Revision
	h.realtime.Publish(RealtimeMessage{
		DocumentID:   documentID.String(),
		EventType:    RealtimeEventRemoteRevision,
		Revision:     &revision,
		RevisionUUID: revision.NextRevisionID,
		Timestamp:    time.Now().UTC(),
	})
	c.JSON(http.StatusOK, dispatchResponse{Accepted: true, Revision: &revision})
}

func (h *httpHandler) handleRenameRevision(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	revisionUUID, err := spreadsheet.NewRevisionUUID(c.Param("uuid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request renameRevisionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	if err := h.spreadsheets.RenameRevision(c.Request.Context(), documentID, revisionUUID, request.Name); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	fromSnapshot, err := queryFlag(c, "from_snapshot")
	if err != nil {
		h.respondInvalid(c, "from_snapshot must be a boolean")
		return
	}
	includeAbandoned, err := queryFlag(c, "include_abandoned")
	if err != nil {
		h.respondInvalid(c, "include_abandoned must be a boolean")
		return
	}

	revisions, err := h.spreadsheets.GetHistory(c.Request.Context(), documentID, spreadsheet.HistoryOptions{
		FromSnapshot:     fromSnapshot,
		IncludeAbandoned: includeAbandoned,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	authorIDs := make([]string, 0, len(revisions))
	seen := make(map[string]struct{}, len(revisions))
	for _, revision := range revisions {
		if _, ok := seen[revision.AuthorID]; ok {
			continue
		}
		seen[revision.AuthorID] = struct{}{}
		authorIDs = append(authorIDs, revision.AuthorID)
	}
	profiles, err := h.authors.AuthorProfiles(c.Request.Context(), authorIDs)
	if err != nil {
		h.logger.Warn("author profiles unavailable", zap.String("document_id", documentID.String()), zap.Error(err))
		profiles = map[string]users.AuthorProfile{}
	}
	c.JSON(http.StatusOK, historyResponse{Revisions: revisions, Authors: profiles})
}

func (h *httpHandler) handleSaveSnapshot(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request snapshotRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	result, err := h.spreadsheets.SaveSnapshot(c.Request.Context(), documentID, requestAuthor(c), request.Snapshot)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishRevision(documentID, RealtimeEventSnapshotCreated, result.RevisionUUID)
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleFork(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request versionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	revisionUUID, err := spreadsheet.NewRevisionUUID(request.RevisionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.spreadsheets.ForkHistory(c.Request.Context(), documentID, requestAuthor(c), revisionUUID, request.Snapshot)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request versionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	revisionUUID, err := spreadsheet.NewRevisionUUID(request.RevisionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.spreadsheets.RestoreVersion(c.Request.Context(), documentID, requestAuthor(c), revisionUUID, request.Snapshot)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishRevision(documentID, RealtimeEventSnapshotCreated, result.RevisionUUID)
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleReset(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request resetRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	summary, err := h.spreadsheets.Reset(c.Request.Context(), documentID, request.BaseData)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishRevision(documentID, RealtimeEventDocumentReset, summary.CurrentRevisionUUID)
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) publishRevision(documentID spreadsheet.DocumentID, eventType string, revisionUUID string) {
	h.realtime.Publish(RealtimeMessage{
		DocumentID:   documentID.String(),
		EventType:    eventType,
		RevisionUUID: revisionUUID,
		Timestamp:    time.Now().UTC(),
	})
}

func queryFlag(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
