package spreadsheet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// StartRevision is the current revision of a document whose base carries no revision id.
	StartRevision = "START_REVISION"
	// EmptyDocumentRevision is the current revision of a document with neither base data nor snapshot.
	EmptyDocumentRevision = "EMPTY_DOCUMENT"
)

// RevisionType enumerates the kinds of stored revisions.
type RevisionType string

const (
	// RevisionTypeRemote is a batch of client commands.
	RevisionTypeRemote RevisionType = "REMOTE_REVISION"
	// RevisionTypeUndone reverts TargetRevisionUUID.
	RevisionTypeUndone RevisionType = "REVISION_UNDONE"
	// RevisionTypeRedone reapplies TargetRevisionUUID.
	RevisionTypeRedone RevisionType = "REVISION_REDONE"
	// RevisionTypeSnapshotCreated marks a compaction or restore point; created by the server only.
	RevisionTypeSnapshotCreated RevisionType = "SNAPSHOT_CREATED"
)

// RejectReason explains a rejected dispatch.
type RejectReason string

const (
	RejectParentMismatch   RejectReason = "parent_mismatch"
	RejectDuplicateSibling RejectReason = "duplicate_sibling"
	RejectDuplicate        RejectReason = "duplicate_revision"
)

// Err returns the sentinel matching the reason.
func (reason RejectReason) Err() error {
	switch reason {
	case RejectParentMismatch:
		return ErrParentMismatch
	case RejectDuplicateSibling:
		return ErrDuplicateSibling
	case RejectDuplicate:
		return ErrDuplicateRevision
	default:
		return nil
	}
}

var (
	// ErrInvalidDocumentID indicates an empty or oversized document identifier.
	ErrInvalidDocumentID = errors.New("spreadsheet: invalid document id")
	// ErrInvalidRevisionUUID indicates an empty or oversized revision identifier.
	ErrInvalidRevisionUUID = errors.New("spreadsheet: invalid revision id")
	// ErrInvalidPayload indicates a malformed revision, snapshot or base payload.
	ErrInvalidPayload = errors.New("spreadsheet: invalid payload")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying identifier.
func (id DocumentID) String() string {
	return string(id)
}

// RevisionUUID represents a validated revision identifier.
type RevisionUUID string

// NewRevisionUUID validates raw input and returns a RevisionUUID.
func NewRevisionUUID(rawInput string) (RevisionUUID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRevisionUUID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRevisionUUID, maxIdentifierLength)
	}
	return RevisionUUID(trimmed), nil
}

// String returns the underlying identifier.
func (id RevisionUUID) String() string {
	return string(id)
}

// RevisionEnvelopeConfig describes the inputs required to build a RevisionEnvelope.
type RevisionEnvelopeConfig struct {
	Type               RevisionType
	ParentUUID         RevisionUUID
	NextUUID           RevisionUUID
	Commands           json.RawMessage
	TargetRevisionUUID RevisionUUID
	ClientID           string
	AuthorID           string
}

// RevisionEnvelope is a validated client revision ready for dispatch.
type RevisionEnvelope struct {
	revisionType       RevisionType
	parentUUID         RevisionUUID
	nextUUID           RevisionUUID
	commands           json.RawMessage
	targetRevisionUUID RevisionUUID
	clientID           string
	authorID           string
}

// NewRevisionEnvelope validates the provided configuration and returns a RevisionEnvelope.
func NewRevisionEnvelope(cfg RevisionEnvelopeConfig) (RevisionEnvelope, error) {
	var targetUUID RevisionUUID
	if strings.TrimSpace(cfg.TargetRevisionUUID.String()) != "" {
		normalized, err := NewRevisionUUID(cfg.TargetRevisionUUID.String())
		if err != nil {
			return RevisionEnvelope{}, fmt.Errorf("%w: target: %w", ErrInvalidPayload, err)
		}
		targetUUID = normalized
	}
	switch cfg.Type {
	case RevisionTypeRemote:
	case RevisionTypeUndone, RevisionTypeRedone:
		if targetUUID == "" {
			return RevisionEnvelope{}, fmt.Errorf("%w: %s requires a target revision", ErrInvalidPayload, cfg.Type)
		}
	default:
		return RevisionEnvelope{}, fmt.Errorf("%w: unsupported revision type %q", ErrInvalidPayload, cfg.Type)
	}
	parentUUID, err := NewRevisionUUID(cfg.ParentUUID.String())
	if err != nil {
		return RevisionEnvelope{}, fmt.Errorf("%w: parent: %w", ErrInvalidPayload, err)
	}
	nextUUID, err := NewRevisionUUID(cfg.NextUUID.String())
	if err != nil {
		return RevisionEnvelope{}, fmt.Errorf("%w: next: %w", ErrInvalidPayload, err)
	}
	if parentUUID == nextUUID {
		return RevisionEnvelope{}, fmt.Errorf("%w: next revision id repeats its parent", ErrInvalidPayload)
	}
	if nextUUID == StartRevision || nextUUID == EmptyDocumentRevision {
		return RevisionEnvelope{}, fmt.Errorf("%w: next revision id %q is reserved", ErrInvalidPayload, nextUUID)
	}
	if strings.TrimSpace(cfg.AuthorID) == "" {
		return RevisionEnvelope{}, fmt.Errorf("%w: author is required", ErrInvalidPayload)
	}

	commands := cfg.Commands
	if len(strings.TrimSpace(string(commands))) == 0 {
		commands = json.RawMessage(emptyCommandBatch)
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(commands, &batch); err != nil {
		return RevisionEnvelope{}, fmt.Errorf("%w: commands must be a list: %v", ErrInvalidPayload, err)
	}

	return RevisionEnvelope{
		revisionType:       cfg.Type,
		parentUUID:         parentUUID,
		nextUUID:           nextUUID,
		commands:           commands,
		targetRevisionUUID: targetUUID,
		clientID:           strings.TrimSpace(cfg.ClientID),
		authorID:           strings.TrimSpace(cfg.AuthorID),
	}, nil
}

// Type returns the revision type.
func (envelope RevisionEnvelope) Type() RevisionType {
	return envelope.revisionType
}

// ParentUUID returns the revision the batch was computed against.
func (envelope RevisionEnvelope) ParentUUID() RevisionUUID {
	return envelope.parentUUID
}

// NextUUID returns the revision the batch advances the document to.
func (envelope RevisionEnvelope) NextUUID() RevisionUUID {
	return envelope.nextUUID
}

// Commands returns the opaque command batch.
func (envelope RevisionEnvelope) Commands() json.RawMessage {
	return envelope.commands
}

// TargetRevisionUUID returns the revision an undo or redo refers to.
func (envelope RevisionEnvelope) TargetRevisionUUID() RevisionUUID {
	return envelope.targetRevisionUUID
}

// ClientID returns the originating client session.
func (envelope RevisionEnvelope) ClientID() string {
	return envelope.clientID
}

// AuthorID returns the canonical author identifier.
func (envelope RevisionEnvelope) AuthorID() string {
	return envelope.authorID
}

// RevisionMessage is the client-facing shape of a stored revision.
type RevisionMessage struct {
	Type             RevisionType    `json:"type"`
	ServerRevisionID string          `json:"serverRevisionId"`
	NextRevisionID   string          `json:"nextRevisionId"`
	Commands         json.RawMessage `json:"commands"`
	TargetRevisionID string          `json:"targetRevisionId,omitempty"`
	ClientID         string          `json:"clientId,omitempty"`
	AuthorID         string          `json:"authorId"`
	Timestamp        int64           `json:"timestamp"`
}

func newRevisionMessage(revision Revision) RevisionMessage {
	commands := json.RawMessage(revision.Commands)
	if len(commands) == 0 {
		commands = json.RawMessage(emptyCommandBatch)
	}
	return RevisionMessage{
		Type:             RevisionType(revision.Type),
		ServerRevisionID: revision.ParentUUID,
		NextRevisionID:   revision.RevisionUUID,
		Commands:         commands,
		TargetRevisionID: revision.TargetRevisionUUID,
		ClientID:         revision.ClientID,
		AuthorID:         revision.AuthorID,
		Timestamp:        revision.CreatedAtSeconds,
	}
}

// RevisionMeta describes a revision for history browsing.
type RevisionMeta struct {
	RevisionUUID string       `json:"revision_uuid"`
	ParentUUID   string       `json:"parent_uuid"`
	Type         RevisionType `json:"type"`
	AuthorID     string       `json:"author_id"`
	Name         string       `json:"name,omitempty"`
	Timestamp    int64        `json:"timestamp"`
	Active       bool         `json:"active"`
}

func newRevisionMeta(revision Revision) RevisionMeta {
	return RevisionMeta{
		RevisionUUID: revision.RevisionUUID,
		ParentUUID:   revision.ParentUUID,
		Type:         RevisionType(revision.Type),
		AuthorID:     revision.AuthorID,
		Name:         revision.Name,
		Timestamp:    revision.CreatedAtSeconds,
		Active:       revision.Active,
	}
}

// DispatchResult reports whether a revision joined the active chain.
// A rejection is not an error: the client is expected to rebase and retry.
type DispatchResult struct {
	Accepted bool
	Reason   RejectReason
	Revision RevisionMessage
}

// DocumentSummary describes a document without its payloads.
type DocumentSummary struct {
	DocumentID          string `json:"document_id"`
	OwnerID             string `json:"owner_id"`
	Name                string `json:"name"`
	ForkedFromID        string `json:"forked_from_id,omitempty"`
	CurrentRevisionUUID string `json:"current_revision_uuid"`
	CreatedAtSeconds    int64  `json:"created_at_s"`
	UpdatedAtSeconds    int64  `json:"updated_at_s"`
}

func newDocumentSummary(document Document) DocumentSummary {
	return DocumentSummary{
		DocumentID:          document.DocumentID,
		OwnerID:             document.OwnerID,
		Name:                document.Name,
		ForkedFromID:        document.ForkedFromID,
		CurrentRevisionUUID: document.CurrentRevisionUUID,
		CreatedAtSeconds:    document.CreatedAtSeconds,
		UpdatedAtSeconds:    document.UpdatedAtSeconds,
	}
}

// DocumentState is everything a client needs to join a live session: the
// active revisions applied in order atop Snapshot, or BaseData when there is
// no snapshot, reproduce the state at CurrentRevisionUUID.
type DocumentState struct {
	DocumentID          string            `json:"document_id"`
	BaseData            json.RawMessage   `json:"base_data,omitempty"`
	Snapshot            json.RawMessage   `json:"snapshot,omitempty"`
	Revisions           []RevisionMessage `json:"revisions"`
	CurrentRevisionUUID string            `json:"current_revision_uuid"`
	DefaultCurrency     Currency          `json:"default_currency"`
	CompanyColors       []string          `json:"company_colors"`
	SnapshotRequested   bool              `json:"snapshot_requested"`
}

// SnapshotResult reports the revision a snapshot or restore installed.
type SnapshotResult struct {
	RevisionUUID string          `json:"revision_uuid"`
	Snapshot     json.RawMessage `json:"snapshot"`
}

// ForkResult identifies a fork and how many comment annotations were dropped
// while copying into it.
type ForkResult struct {
	DocumentID    string `json:"document_id"`
	ScrubbedItems int    `json:"scrubbed_items"`
}

// HistoryOptions narrows GetHistory.
type HistoryOptions struct {
	// FromSnapshot limits the result to the active revisions after the snapshot.
	FromSnapshot bool
	// IncludeAbandoned returns every stored revision, including archived side chains.
	IncludeAbandoned bool
}
