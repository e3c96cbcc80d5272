package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := &Client{
		host:       server.URL,
		topic:      "com.driftline.crm",
		tokens:     NewTokenSourceFromKey(testKey(t), "KEY123", "TEAM456"),
		httpClient: server.Client(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     zerolog.Nop(),
	}
	return client, server
}

func TestSendAccepted(t *testing.T) {
	var gotPath string
	var gotHeaders http.Header
	var gotBody map[string]interface{}

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.Header().Set("apns-id", "msg-42")
		w.WriteHeader(http.StatusOK)
	}))

	expiration := time.Now().Add(time.Hour).Truncate(time.Second)
	result, err := client.Send(context.Background(), "device-token-1", Message{
		Title:      "Task Reminder",
		Body:       "Call ACME is due",
		CollapseID: "notif-1",
		Expiration: &expiration,
	})
	require.NoError(t, err)

	assert.True(t, result.Accepted)
	assert.Equal(t, "msg-42", result.ID)
	assert.False(t, result.Permanent())

	assert.Equal(t, "/3/device/device-token-1", gotPath)
	assert.Equal(t, "com.driftline.crm", gotHeaders.Get("apns-topic"))
	assert.Equal(t, "alert", gotHeaders.Get("apns-push-type"))
	assert.Equal(t, "10", gotHeaders.Get("apns-priority"))
	assert.Equal(t, "notif-1", gotHeaders.Get("apns-collapse-id"))
	assert.NotEmpty(t, gotHeaders.Get("apns-expiration"))
	assert.Contains(t, gotHeaders.Get("Authorization"), "bearer ")

	aps := gotBody["aps"].(map[string]interface{})
	alert := aps["alert"].(map[string]interface{})
	assert.Equal(t, "Task Reminder", alert["title"])
	assert.Equal(t, "Call ACME is due", alert["body"])
}

func TestSendPermanentRejection(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]string{"reason": "Unregistered"})
	}))

	result, err := client.Send(context.Background(), "dead-token", Message{Title: "x"})
	require.NoError(t, err)

	assert.False(t, result.Accepted)
	assert.Equal(t, "Unregistered", result.Reason)
	assert.True(t, result.Permanent())
}

func TestSendTransientRejection(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"reason": "TooManyRequests"})
	}))

	result, err := client.Send(context.Background(), "busy-token", Message{Title: "x"})
	require.NoError(t, err)

	assert.False(t, result.Accepted)
	assert.Equal(t, "TooManyRequests", result.Reason)
	assert.False(t, result.Permanent(), "rate limiting must not invalidate the device")
}

func TestSendRejectionWithoutReasonBody(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	result, err := client.Send(context.Background(), "token", Message{Title: "x"})
	require.NoError(t, err)

	assert.False(t, result.Accepted)
	assert.Equal(t, "HTTP 500", result.Reason)
	assert.False(t, result.Permanent())
}

func TestSendConnectionErrorIsTransient(t *testing.T) {
	client, server := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	result, err := client.Send(context.Background(), "token", Message{Title: "x"})
	require.NoError(t, err)

	assert.False(t, result.Accepted)
	assert.Equal(t, ReasonConnectionError, result.Reason)
	assert.False(t, result.Permanent())
}

func TestSendBackground(t *testing.T) {
	var gotHeaders http.Header
	var gotBody map[string]interface{}

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	result, err := client.SendBackground(context.Background(), "token", map[string]interface{}{"refresh": "deals"})
	require.NoError(t, err)
	require.True(t, result.Accepted)

	assert.Equal(t, "background", gotHeaders.Get("apns-push-type"))
	assert.Equal(t, "5", gotHeaders.Get("apns-priority"))

	aps := gotBody["aps"].(map[string]interface{})
	assert.Equal(t, float64(1), aps["content-available"])
	assert.NotContains(t, aps, "alert")
	assert.Equal(t, "deals", gotBody["refresh"])
}

func TestSendWithoutCredentials(t *testing.T) {
	client := &Client{logger: zerolog.Nop(), limiter: rate.NewLimiter(rate.Inf, 1)}
	_, err := client.Send(context.Background(), "token", Message{Title: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
