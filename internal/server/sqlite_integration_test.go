package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/rigging/internal/auth"
	"github.com/MarcoPoloResearchLab/rigging/internal/autosave"
	"github.com/MarcoPoloResearchLab/rigging/internal/database"
	"github.com/MarcoPoloResearchLab/rigging/internal/fleet"
	"github.com/MarcoPoloResearchLab/rigging/internal/gormstore"
	"github.com/MarcoPoloResearchLab/rigging/internal/records"
	"github.com/MarcoPoloResearchLab/rigging/internal/server"
)

const jsonContentType = "application/json"

type storedRecord struct {
	ID           int64                     `json:"id"`
	Attributes   map[string]any            `json:"attributes"`
	Associations map[string][]storedRecord `json:"associations"`
}

func TestNestedSaveFlowOnSQLite(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	registry, err := fleet.NewRegistry()
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(testContext.TempDir(), "integration.db"),
	}, registry, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := gormstore.New(db, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	session, err := records.NewSession(records.SessionConfig{Registry: registry, Store: store})
	if err != nil {
		testContext.Fatalf("failed to build session: %v", err)
	}
	rules := fleet.NewRules()
	engine, err := autosave.NewEngine(autosave.Config{
		Session:    session,
		Validator:  autosave.ValidatorFunc(rules.Validate),
		IDProvider: autosave.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenIssuer,
		Session:      session,
		Engine:       engine,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)

	token, _, err := tokenIssuer.IssueToken(context.Background(), "captain")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	send := func(method, path, body string) (int, storedRecord) {
		request, err := http.NewRequest(method, httpServer.URL+path, bytes.NewBufferString(body))
		if err != nil {
			testContext.Fatalf("failed to build request: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
		request.Header.Set("Content-Type", jsonContentType)
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			testContext.Fatalf("request failed: %v", err)
		}
		defer response.Body.Close()
		var record storedRecord
		if response.StatusCode < 300 && response.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(response.Body).Decode(&record); err != nil {
				testContext.Fatalf("failed to decode response: %v", err)
			}
		}
		return response.StatusCode, record
	}

	status, created := send(http.MethodPost, "/records/pirate", `{
		"catchphrase": "Yo ho",
		"sighted_on": "2026-05-01",
		"ship_attributes": {"name": "Interceptor", "parts_attributes": {"1": {"name": "Mast"}, "0": {"name": "Hull"}}}
	}`)
	if status != http.StatusCreated {
		testContext.Fatalf("unexpected create status %d", status)
	}
	parts := created.Associations["ship"][0].Associations["parts"]
	if len(parts) != 2 || parts[0].Attributes["name"] != "Hull" {
		testContext.Fatalf("expected keyed parts in key order, got %+v", parts)
	}
	shipID := created.Associations["ship"][0].ID
	pirateID := strconv.FormatInt(created.ID, 10)

	status, _ = send(http.MethodPatch, "/records/pirate/"+pirateID, `{
		"ship_attributes": {"id": `+strconv.FormatInt(shipID, 10)+`, "name": "Black Pearl"}
	}`)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected update status %d", status)
	}

	status, shown := send(http.MethodGet, "/records/pirate/"+pirateID+"?include=ship", "")
	if status != http.StatusOK {
		testContext.Fatalf("unexpected show status %d", status)
	}
	if shown.Attributes["sighted_on"] != "2026-05-01" {
		testContext.Fatalf("expected stored date, got %v", shown.Attributes["sighted_on"])
	}
	ships := shown.Associations["ship"]
	if len(ships) != 1 || ships[0].ID != shipID || ships[0].Attributes["name"] != "Black Pearl" {
		testContext.Fatalf("expected renamed ship in place, got %+v", ships)
	}
}
