package spreadsheet

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testOwnerID  = "owner-1"
	testAuthorID = "author-1"
)

type testClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

func mustDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "spreadsheet.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := InstallDeleteGuard(database); err != nil {
		testContext.Fatalf("failed to install delete guard: %v", err)
	}
	return database
}

func mustService(testContext *testing.T, clock *testClock) *Service {
	testContext.Helper()
	if clock == nil {
		clock = newTestClock()
	}
	service, err := NewService(ServiceConfig{
		Database:   mustDatabase(testContext),
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
		Presentation: StaticPresentation{
			Currency: Currency{Code: "EUR", Symbol: "€", Position: "after", Decimals: 2},
			Colors:   []string{"#714B67", "#017E84"},
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustDocument(testContext *testing.T, service *Service, baseData string) DocumentID {
	testContext.Helper()
	summary, err := service.CreateDocument(context.Background(), testOwnerID, "Budget", []byte(baseData))
	if err != nil {
		testContext.Fatalf("failed to create document: %v", err)
	}
	documentID, err := NewDocumentID(summary.DocumentID)
	if err != nil {
		testContext.Fatalf("invalid document id: %v", err)
	}
	return documentID
}

func mustEnvelope(testContext *testing.T, parent string, next string, commands string) RevisionEnvelope {
	testContext.Helper()
	envelope, err := NewRevisionEnvelope(RevisionEnvelopeConfig{
		Type:       RevisionTypeRemote,
		ParentUUID: RevisionUUID(parent),
		NextUUID:   RevisionUUID(next),
		Commands:   json.RawMessage(commands),
		ClientID:   "client-" + next,
		AuthorID:   testAuthorID,
	})
	if err != nil {
		testContext.Fatalf("failed to build envelope: %v", err)
	}
	return envelope
}

func mustDispatch(testContext *testing.T, service *Service, documentID DocumentID, parent string, next string) DispatchResult {
	testContext.Helper()
	result, err := service.Dispatch(context.Background(), documentID, mustEnvelope(testContext, parent, next, `[{"type":"UPDATE_CELL","col":0,"row":0}]`))
	if err != nil {
		testContext.Fatalf("dispatch %s -> %s failed: %v", parent, next, err)
	}
	return result
}

func mustAccepted(testContext *testing.T, service *Service, documentID DocumentID, parent string, next string) {
	testContext.Helper()
	result := mustDispatch(testContext, service, documentID, parent, next)
	if !result.Accepted {
		testContext.Fatalf("expected %s -> %s to be accepted, got %s", parent, next, result.Reason)
	}
}

func mustJoin(testContext *testing.T, service *Service, documentID DocumentID) DocumentState {
	testContext.Helper()
	state, err := service.JoinSession(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("join session failed: %v", err)
	}
	return state
}

func mustVerifyChain(testContext *testing.T, service *Service, documentID DocumentID) {
	testContext.Helper()
	if err := service.VerifyChain(context.Background(), documentID); err != nil {
		testContext.Fatalf("chain verification failed: %v", err)
	}
}

func decodeTestObject(testContext *testing.T, raw []byte) map[string]json.RawMessage {
	testContext.Helper()
	object, err := decodeObject(raw)
	if err != nil {
		testContext.Fatalf("failed to decode payload %s: %v", raw, err)
	}
	return object
}
