package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/aristath/sentinel/internal/config"
	"github.com/aristath/sentinel/internal/orchestrator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:          dir,
		DatabasePath:     filepath.Join(dir, "sentinel.db"),
		MaxOpenConns:     5,
		MasterPassword:   "test-master-password",
		VaultSaltPath:    filepath.Join(dir, "vault.salt"),
		SessionSweepCron: "@every 1h",
	}

	rt, err := orchestrator.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	return New(Config{Port: 0, Log: zerolog.Nop(), Runtime: rt, DevMode: true})
}

func doJSON(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

// registerAndLogin creates a fresh operator account and returns its bearer
// token and user ID.
func registerAndLogin(t *testing.T, s *Server, username string) (string, string) {
	t.Helper()
	rr := doJSON(t, s, "POST", "/api/auth/register", "", map[string]string{
		"username": username, "password": "Passw0rd!",
	})
	require.Equal(t, 201, rr.Code, rr.Body.String())

	rr = doJSON(t, s, "POST", "/api/auth/login", "", map[string]string{
		"username": username, "password": "Passw0rd!",
	})
	require.Equal(t, 200, rr.Code, rr.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotEmpty(t, body["token"])
	return body["token"], body["user_id"]
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, true, body["healthy"])
	require.Equal(t, false, body["trading"])
}

func TestHandleLoginURLRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, "GET", "/api/login-url", "", nil)
	require.Equal(t, 400, rr.Code)
}

func TestHandleLoginURL(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, "GET", "/api/login-url?api_key=abc123", "", nil)
	require.Equal(t, 200, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Contains(t, body["login_url"], "abc123")
}

func TestRegisterLoginLogoutFlow(t *testing.T) {
	s := newTestServer(t)
	token, _ := registerAndLogin(t, s, "alice")

	// Wrong password surfaces AUTH_ERROR in the stable envelope.
	rr := doJSON(t, s, "POST", "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong-pass",
	})
	require.Equal(t, 401, rr.Code)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	require.Equal(t, false, envelope["success"])
	require.Equal(t, "AUTH_ERROR", envelope["error_code"])

	rr = doJSON(t, s, "POST", "/api/auth/logout", token, nil)
	require.Equal(t, 200, rr.Code)

	// The revoked token no longer authenticates.
	rr = doJSON(t, s, "GET", "/api/trading/status", token, nil)
	require.Equal(t, 401, rr.Code)
}

func TestBearerRequired(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, "POST", "/api/trading/stop", "", nil)
	require.Equal(t, 401, rr.Code)

	rr = doJSON(t, s, "GET", "/api/strategies", "bogus-token", nil)
	require.Equal(t, 401, rr.Code)
}

func TestStoreCredentialsEncryptsAtRest(t *testing.T) {
	s := newTestServer(t)
	token, userID := registerAndLogin(t, s, "bob")

	rr := doJSON(t, s, "POST", "/api/auth/credentials", token, map[string]string{
		"api_key": "K1", "api_secret": "S1",
	})
	require.Equal(t, 200, rr.Code, rr.Body.String())

	creds, err := s.runtime.Auth.GetCredentials(userID)
	require.NoError(t, err)
	require.Equal(t, "K1", creds.APIKey)
	require.Equal(t, "S1", creds.APISecret)

	var stored string
	err = s.runtime.DB.QueryRow(`SELECT api_secret_encrypted FROM api_credentials WHERE user_id = ?`, userID).Scan(&stored)
	require.NoError(t, err)
	require.NotEqual(t, "S1", stored)
}

func TestStrategyEndpoints(t *testing.T) {
	s := newTestServer(t)
	token, _ := registerAndLogin(t, s, "carol")

	valid := map[string]interface{}{
		"name":                "ema",
		"enabled":             true,
		"max_trades_per_day":  2,
		"risk_percent":        2,
		"stop_loss_percent":   1,
		"take_profit_percent": 3,
		"volume_threshold":    100000,
	}

	rr := doJSON(t, s, "POST", "/api/strategies", token, valid)
	require.Equal(t, 201, rr.Code, rr.Body.String())
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	id := created["id"].(string)
	require.NotEmpty(t, id)

	// take_profit <= stop_loss is rejected up front.
	invalid := map[string]interface{}{}
	for k, v := range valid {
		invalid[k] = v
	}
	invalid["take_profit_percent"] = 0.5
	rr = doJSON(t, s, "POST", "/api/strategies", token, invalid)
	require.Equal(t, 400, rr.Code)

	rr = doJSON(t, s, "GET", "/api/strategies", token, nil)
	require.Equal(t, 200, rr.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)

	valid["name"] = "ema-v2"
	rr = doJSON(t, s, "PUT", fmt.Sprintf("/api/strategies/%s", id), token, valid)
	require.Equal(t, 200, rr.Code, rr.Body.String())

	rr = doJSON(t, s, "GET", fmt.Sprintf("/api/strategies/%s", id), token, nil)
	require.Equal(t, 200, rr.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, "ema-v2", got["name"])

	rr = doJSON(t, s, "DELETE", fmt.Sprintf("/api/strategies/%s", id), token, nil)
	require.Equal(t, 200, rr.Code)

	rr = doJSON(t, s, "GET", fmt.Sprintf("/api/strategies/%s", id), token, nil)
	require.Equal(t, 404, rr.Code)
}

func TestSelectionEndpoints(t *testing.T) {
	s := newTestServer(t)
	token, _ := registerAndLogin(t, s, "dave")

	rr := doJSON(t, s, "POST", "/api/stocks/selections", token, map[string]string{"symbol": "NOTREAL"})
	require.Equal(t, 400, rr.Code)

	rr = doJSON(t, s, "POST", "/api/stocks/selections", token, map[string]string{"symbol": "RELIANCE"})
	require.Equal(t, 201, rr.Code, rr.Body.String())
	var sel map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sel))
	require.Equal(t, "RELIANCE", sel["symbol"])
	require.Equal(t, "NSE", sel["exchange"])

	rr = doJSON(t, s, "GET", "/api/stocks/selections", token, nil)
	require.Equal(t, 200, rr.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rr = doJSON(t, s, "DELETE", fmt.Sprintf("/api/stocks/selections/%s", sel["id"]), token, nil)
	require.Equal(t, 200, rr.Code)
}

func TestTradingEndpointsWithNoActiveSession(t *testing.T) {
	s := newTestServer(t)
	token, _ := registerAndLogin(t, s, "erin")

	rr := doJSON(t, s, "GET", "/api/trading/status", token, nil)
	require.Equal(t, 200, rr.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, "stopped", status["state"])

	rr = doJSON(t, s, "POST", "/api/trading/stop", token, nil)
	require.Equal(t, 409, rr.Code)

	// Starting without stored broker credentials fails cleanly.
	rr = doJSON(t, s, "POST", "/api/trading/start", token, nil)
	require.Equal(t, 404, rr.Code)
}

func TestMarketDataEndpoints(t *testing.T) {
	s := newTestServer(t)
	token, _ := registerAndLogin(t, s, "frank")

	rr := doJSON(t, s, "GET", "/api/market/data", token, nil)
	require.Equal(t, 200, rr.Code)

	rr = doJSON(t, s, "GET", "/api/market/data/RELIANCE", token, nil)
	require.Equal(t, 409, rr.Code)
}
