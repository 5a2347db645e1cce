package notifier_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdm/zdm/internal/notifier"
)

func TestWebhookNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := &notifier.WebhookNotifier{WebhookURL: srv.URL}

	require.NoError(t, n.Notify(context.Background(), "download finished: payload.bin"))
	assert.Equal(t, "download finished: payload.bin", got["content"])
}

func TestWebhookNotifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &notifier.WebhookNotifier{WebhookURL: srv.URL}

	err := n.Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestWebhookNotifier_MissingURL(t *testing.T) {
	n := &notifier.WebhookNotifier{}

	assert.Error(t, n.Notify(context.Background(), "hello"))
}
