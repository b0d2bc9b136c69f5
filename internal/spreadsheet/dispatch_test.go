package spreadsheet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestDispatchAcceptsThenRejectsSibling(testContext *testing.T) {
	service := mustService(testContext, nil)
	documentID := mustDocument(testContext, service, `{"sheets":[{"id":"s1"}]}`)

	state := mustJoin(testContext, service, documentID)
	if state.CurrentRevisionUUID != StartRevision {
		testContext.Fatalf("expected %s, got %s", StartRevision, state.CurrentRevisionUUID)
	}

	mustAccepted(testContext, service, documentID, StartRevision, "r1")

	rejected := mustDispatch(testContext, service, documentID, StartRevision, "r2")
	if rejected.Accepted || rejected.Reason != RejectDuplicateSibling {
		testContext.Fatalf("expected duplicate sibling rejection, got %+v", rejected)
	}
	if !errors.Is(rejected.Reason.Err(), ErrDuplicateSibling) {
		testContext.Fatalf("expected reason to map to ErrDuplicateSibling")
	}

	mustAccepted(testContext, service, documentID, "r1", "r2")
	state = mustJoin(testContext, service, documentID)
	if state.CurrentRevisionUUID != "r2" {
		testContext.Fatalf("expected current r2, got %s", state.CurrentRevisionUUID)
	}
	if len(state.Revisions) != 2 || state.Revisions[0].NextRevisionID != "r1" || state.Revisions[1].ServerRevisionID != "r1" {
		testContext.Fatalf("unexpected active revisions %+v", state.Revisions)
	}
	mustVerifyChain(testContext, service, documentID)
}

func TestDispatchRejectsStaleParentAndReusedRevision(testContext *testing.T) {
	service := mustService(testContext, nil)
	documentID := mustDocument(testContext, service, `{"revisionId":"base-1","sheets":[]}`)

	stale := mustDispatch(testContext, service, documentID, "unknown", "r1")
	if stale.Accepted || stale.Reason != RejectParentMismatch {
		testContext.Fatalf("expected parent mismatch, got %+v", stale)
	}

	mustAccepted(testContext, service, documentID, "base-1", "r1")
	mustAccepted(testContext, service, documentID, "r1", "r2")

	reused := mustDispatch(testContext, service, documentID, "r2", "r1")
	if reused.Accepted || reused.Reason != RejectDuplicate {
		testContext.Fatalf("expected duplicate revision, got %+v", reused)
	}
	mustVerifyChain(testContext, service, documentID)
}

func TestDispatchOnEmptyDocumentFails(testContext *testing.T) {
	service := mustService(testContext, nil)
	documentID := mustDocument(testContext, service, ``)

	state := mustJoin(testContext, service, documentID)
	if state.CurrentRevisionUUID != EmptyDocumentRevision {
		testContext.Fatalf("expected empty document sentinel, got %s", state.CurrentRevisionUUID)
	}
	_, err := service.Dispatch(context.Background(), documentID, mustEnvelope(testContext, EmptyDocumentRevision, "r1", `[]`))
	if !errors.Is(err, ErrDocumentEmpty) {
		testContext.Fatalf("expected ErrDocumentEmpty, got %v", err)
	}
}

func TestDispatchUnknownDocument(testContext *testing.T) {
	service := mustService(testContext, nil)
	_, err := service.Dispatch(context.Background(), DocumentID("missing"), mustEnvelope(testContext, StartRevision, "r1", `[]`))
	if !errors.Is(err, ErrDocumentNotFound) {
		testContext.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	var serviceError *ServiceError
	if !errors.As(err, &serviceError) || serviceError.Code() != "spreadsheet.dispatch.document_not_found" {
		testContext.Fatalf("unexpected error code %v", err)
	}
}

func TestConcurrentDispatchHasSingleWinner(testContext *testing.T) {
	service := mustService(testContext, nil)
	documentID := mustDocument(testContext, service, `{"sheets":[]}`)

	const contenders = 8
	var accepted atomic.Int32
	var rejected atomic.Int32
	envelopes := make([]RevisionEnvelope, 0, contenders)
	for contender := 0; contender < contenders; contender++ {
		envelopes = append(envelopes, mustEnvelope(testContext, StartRevision, fmt.Sprintf("contender-%d", contender), `[]`))
	}
	group, ctx := errgroup.WithContext(context.Background())
	for _, envelope := range envelopes {
		envelope := envelope
		group.Go(func() error {
			result, err := service.Dispatch(ctx, documentID, envelope)
			if err != nil {
				return err
			}
			if result.Accepted {
				accepted.Add(1)
				return nil
			}
			if result.Reason != RejectDuplicateSibling && result.Reason != RejectParentMismatch {
				return fmt.Errorf("unexpected rejection %s", result.Reason)
			}
			rejected.Add(1)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		testContext.Fatalf("dispatch failed: %v", err)
	}
	if accepted.Load() != 1 || rejected.Load() != contenders-1 {
		testContext.Fatalf("expected one winner, got %d accepted and %d rejected", accepted.Load(), rejected.Load())
	}
	mustVerifyChain(testContext, service, documentID)
}

func TestActiveParentUniquenessIsADatabaseConstraint(testContext *testing.T) {
	service := mustService(testContext, nil)
	documentID := mustDocument(testContext, service, `{"sheets":[]}`)
	mustAccepted(testContext, service, documentID, StartRevision, "r1")

	sibling := Revision{
		DocumentID:   documentID.String(),
		RevisionUUID: "r1-bis",
		ParentUUID:   StartRevision,
		Active:       true,
		Type:         string(RevisionTypeRemote),
		Commands:     []byte(emptyCommandBatch),
		AuthorID:     testAuthorID,
	}
	if err := service.db.Create(&sibling).Error; err == nil {
		testContext.Fatalf("expected the unique index to refuse a second active child")
	}

	sibling.Active = false
	if err := service.db.Create(&sibling).Error; err != nil {
		testContext.Fatalf("archived siblings must be allowed: %v", err)
	}
}

func TestDeletingActiveParentIsRefusedByDatabase(testContext *testing.T) {
	service := mustService(testContext, nil)
	documentID := mustDocument(testContext, service, `{"sheets":[]}`)
	mustAccepted(testContext, service, documentID, StartRevision, "r1")
	mustAccepted(testContext, service, documentID, "r1", "r2")

	if err := service.db.Where(queryDocumentRevision, documentID.String(), "r1").Delete(&Revision{}).Error; err == nil {
		testContext.Fatalf("expected trigger to refuse deleting an active parent")
	}

	if err := service.DeleteDocument(context.Background(), documentID); err != nil {
		testContext.Fatalf("delete document failed: %v", err)
	}
	var remaining int64
	if err := service.db.Model(&Revision{}).Where(queryDocumentID, documentID.String()).Count(&remaining).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		testContext.Fatalf("expected revisions to be deleted, got %d", remaining)
	}
	if _, err := service.GetDocument(context.Background(), documentID); !errors.Is(err, ErrDocumentNotFound) {
		testContext.Fatalf("expected deleted document to be gone, got %v", err)
	}
}

func TestNewRevisionEnvelopeValidation(testContext *testing.T) {
	testCases := []struct {
		name string
		cfg  RevisionEnvelopeConfig
	}{
		{name: "server type", cfg: RevisionEnvelopeConfig{Type: RevisionTypeSnapshotCreated, ParentUUID: "a", NextUUID: "b", AuthorID: "u"}},
		{name: "missing parent", cfg: RevisionEnvelopeConfig{Type: RevisionTypeRemote, NextUUID: "b", AuthorID: "u"}},
		{name: "self parent", cfg: RevisionEnvelopeConfig{Type: RevisionTypeRemote, ParentUUID: "a", NextUUID: "a", AuthorID: "u"}},
		{name: "reserved next", cfg: RevisionEnvelopeConfig{Type: RevisionTypeRemote, ParentUUID: "a", NextUUID: StartRevision, AuthorID: "u"}},
		{name: "undo without target", cfg: RevisionEnvelopeConfig{Type: RevisionTypeUndone, ParentUUID: "a", NextUUID: "b", AuthorID: "u"}},
		{name: "commands not a list", cfg: RevisionEnvelopeConfig{Type: RevisionTypeRemote, ParentUUID: "a", NextUUID: "b", AuthorID: "u", Commands: []byte(`{"type":"X"}`)}},
		{name: "missing author", cfg: RevisionEnvelopeConfig{Type: RevisionTypeRemote, ParentUUID: "a", NextUUID: "b"}},
		{name: "blank parent", cfg: RevisionEnvelopeConfig{Type: RevisionTypeRemote, ParentUUID: "   ", NextUUID: "b", AuthorID: "u"}},
		{name: "oversized next", cfg: RevisionEnvelopeConfig{Type: RevisionTypeRemote, ParentUUID: "a", NextUUID: RevisionUUID(strings.Repeat("n", maxIdentifierLength+1)), AuthorID: "u"}},
		{name: "oversized target", cfg: RevisionEnvelopeConfig{Type: RevisionTypeUndone, ParentUUID: "a", NextUUID: "b", TargetRevisionUUID: RevisionUUID(strings.Repeat("t", maxIdentifierLength+1)), AuthorID: "u"}},
		{name: "self parent after trimming", cfg: RevisionEnvelopeConfig{Type: RevisionTypeRemote, ParentUUID: " a", NextUUID: "a ", AuthorID: "u"}},
	}
	for _, testCase := range testCases {
		if _, err := NewRevisionEnvelope(testCase.cfg); !errors.Is(err, ErrInvalidPayload) {
			testContext.Fatalf("%s: expected ErrInvalidPayload, got %v", testCase.name, err)
		}
	}

	envelope, err := NewRevisionEnvelope(RevisionEnvelopeConfig{Type: RevisionTypeRedone, ParentUUID: "a", NextUUID: "b", TargetRevisionUUID: "r0", AuthorID: "u"})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if string(envelope.Commands()) != emptyCommandBatch {
		testContext.Fatalf("expected empty commands to default to an empty list, got %s", envelope.Commands())
	}
}

func TestNewRevisionEnvelopeTrimsIdentifiers(testContext *testing.T) {
	envelope, err := NewRevisionEnvelope(RevisionEnvelopeConfig{
		Type:               RevisionTypeUndone,
		ParentUUID:         " r1 ",
		NextUUID:           "\tr2",
		TargetRevisionUUID: "r1 ",
		AuthorID:           "u",
	})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if envelope.ParentUUID() != "r1" || envelope.NextUUID() != "r2" || envelope.TargetRevisionUUID() != "r1" {
		testContext.Fatalf("expected trimmed ids, got %q %q %q", envelope.ParentUUID(), envelope.NextUUID(), envelope.TargetRevisionUUID())
	}

	if _, err := NewRevisionEnvelope(RevisionEnvelopeConfig{Type: RevisionTypeRemote, ParentUUID: "a", NextUUID: "  ", AuthorID: "u"}); !errors.Is(err, ErrInvalidRevisionUUID) {
		testContext.Fatalf("expected ErrInvalidRevisionUUID for a blank next id, got %v", err)
	}
}

func TestDispatchTreatsPaddedParentAsCurrent(testContext *testing.T) {
	service := mustService(testContext, nil)
	documentID := mustDocument(testContext, service, `{"sheets":[]}`)
	mustAccepted(testContext, service, documentID, StartRevision, "r1")
	mustAccepted(testContext, service, documentID, " r1", "r2 ")

	state := mustJoin(testContext, service, documentID)
	if state.CurrentRevisionUUID != "r2" {
		testContext.Fatalf("expected current revision r2, got %q", state.CurrentRevisionUUID)
	}
	mustVerifyChain(testContext, service, documentID)
}
