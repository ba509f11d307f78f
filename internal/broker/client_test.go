package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClientAgainst(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient("testkey", zerolog.Nop())
	c.httpClient = server.Client()
	c.SetCredentials("testsecret", "testtoken")

	// Redirect the fixed kiteAPIURL constant by wrapping calls through the
	// test server's base URL instead: patch via a thin override.
	c.baseURLOverride = server.URL
	return c
}

func TestGetProfileSuccess(t *testing.T) {
	c := newTestClientAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token testkey:testtoken", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data":   map[string]interface{}{"user_id": "AB1234", "broker": "ZERODHA"},
		})
	})

	profile, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AB1234", profile.UserID)
}

func TestGetProfileMapsTokenExceptionToAuthError(t *testing.T) {
	c := newTestClientAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "error", "error_type": "TokenException", "message": "invalid token",
		})
	})

	_, err := c.GetProfile(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindAuth))
	assert.Empty(t, c.AccessToken())
}

func TestPlaceOrderDefaultsToCNCProduct(t *testing.T) {
	var gotBody string
	c := newTestClientAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		gotBody = string(body)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data":   map[string]interface{}{"order_id": "OID1"},
		})
	})

	orderID, err := c.PlaceOrder(context.Background(), OrderRequest{
		Exchange: "NSE", TradingSymbol: "RELIANCE", TransactionType: "BUY",
		Quantity: 1, OrderType: "MARKET",
	})
	require.NoError(t, err)
	assert.Equal(t, "OID1", orderID)
	assert.Contains(t, gotBody, "product=CNC")
}

func TestCallRejectsWithoutAccessToken(t *testing.T) {
	c := NewClient("k", zerolog.Nop())
	_, err := c.GetProfile(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}
