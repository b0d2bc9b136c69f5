package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/auth"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/database"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/users"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/views"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "integration-secret"
	testCookieName    = "app_session"
	testIssuer        = "tauth"
	testUserID        = "google:user-abc"
	testCanonicalID   = "user-abc"
	jsonContentType   = "application/json"
)

type testEnvironment struct {
	server   *httptest.Server
	realtime *RealtimeDispatcher
	cookie   *http.Cookie
}

func mustTestEnvironment(testContext *testing.T) *testEnvironment {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})

	spreadsheets, err := spreadsheet.NewService(spreadsheet.ServiceConfig{
		Database:   db,
		IDProvider: spreadsheet.NewUUIDProvider(),
		Presentation: spreadsheet.StaticPresentation{
			Currency: spreadsheet.DefaultCurrency(),
			Colors:   []string{"#0B5394"},
		},
	})
	if err != nil {
		testContext.Fatalf("failed to build spreadsheet service: %v", err)
	}
	viewService, err := views.NewService(views.ServiceConfig{Database: db, SubtreeTags: []string{"form", "field"}})
	if err != nil {
		testContext.Fatalf("failed to build views service: %v", err)
	}
	authors, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to build session validator: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Authors:          authors,
		Spreadsheets:     spreadsheets,
		Views:            viewService,
		Realtime:         realtime,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)

	return &testEnvironment{
		server:   testServer,
		realtime: realtime,
		cookie: &http.Cookie{
			Name:  testCookieName,
			Value: mustMintSessionToken(testContext, testSigningSecret, testUserID, time.Now()),
		},
	}
}

func mustMintSessionToken(testContext *testing.T, signingSecret, userID string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: "Integration User",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// do sends body as JSON and decodes the response into target when non-nil.
func (env *testEnvironment) do(testContext *testing.T, method, path string, body any, target any) int {
	testContext.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if env.cookie != nil {
		request.AddCookie(env.cookie)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil && response.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			testContext.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}
