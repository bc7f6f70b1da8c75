package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartlaundry/pos-system/internal/model"
)

func TestSend_PostsJSONBody(t *testing.T) {
	var got sendRequest
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")

	err := c.Send(context.Background(), "+6281234567890", "Halo!")
	require.NoError(t, err)

	assert.Equal(t, "+6281234567890", got.To)
	assert.Equal(t, "Halo!", got.Message)
	assert.Equal(t, "Bearer secret-token", auth)
}

func TestSend_BasicAuthKey(t *testing.T) {
	var user, pass string
	var ok bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gateway:s3cret")

	err := c.Send(context.Background(), "+6281234567890", "Halo!")
	require.NoError(t, err)

	require.True(t, ok, "expected basic auth credentials")
	assert.Equal(t, "gateway", user)
	assert.Equal(t, "s3cret", pass)
}

func TestSend_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")

	err := c.Send(context.Background(), "+6281234567890", "Halo!")
	require.Error(t, err)
}

func TestSend_NotConfigured(t *testing.T) {
	var c *Client

	err := c.Send(context.Background(), "+6281234567890", "Halo!")
	require.Error(t, err)

	err = NewClient("", "").Send(context.Background(), "+6281234567890", "Halo!")
	require.Error(t, err)
}

func TestSend_EmptyInput(t *testing.T) {
	c := NewClient("http://localhost:1", "")

	require.Error(t, c.Send(context.Background(), "", "Halo!"))
	require.Error(t, c.Send(context.Background(), "+628123", ""))
}

func TestMessageTemplates(t *testing.T) {
	o := model.Order{Number: "ORD-20260830-0001", TotalAmount: 92000}

	created := OrderCreatedMessage("Budi", o)
	assert.Contains(t, created, "Budi")
	assert.Contains(t, created, "ORD-20260830-0001")
	assert.Contains(t, created, "Rp92.000")

	ready := OrderReadyMessage("Budi", o)
	assert.Contains(t, ready, "SIAP DIAMBIL")

	reminder := PaymentReminderMessage("Budi", o)
	assert.Contains(t, reminder, "pengingat")
}

func TestFormatRupiah(t *testing.T) {
	tests := []struct {
		amount int64
		want   string
	}{
		{0, "Rp0"},
		{500, "Rp500"},
		{12500, "Rp12.500"},
		{92000, "Rp92.000"},
		{1250000, "Rp1.250.000"},
		{-7000, "-Rp7.000"},
	}

	for _, tt := range tests {
		if got := FormatRupiah(tt.amount); got != tt.want {
			t.Errorf("FormatRupiah(%d) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}
