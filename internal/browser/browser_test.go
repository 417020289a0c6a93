package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.Headless)
	assert.Equal(t, 45*time.Second, opts.Timeout)
	assert.Equal(t, 1920, opts.ViewportWidth)
	assert.Equal(t, 1080, opts.ViewportHeight)
	assert.Equal(t, "es-AR", opts.Locale)
	assert.Equal(t, "America/Argentina/Buenos_Aires", opts.TimezoneID)
	assert.Equal(t, ModePlaywright, opts.Mode)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input    string
		expected Mode
		wantErr  bool
	}{
		{"playwright", ModePlaywright, false},
		{"PLAYWRIGHT", ModePlaywright, false},
		{" chromedp ", ModeChromedp, false},
		{"ScrapingBee", ModeScrapingBee, false},
		{"", ModePlaywright, false},
		{"selenium", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			mode, err := ParseMode(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownEngine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mode)
		})
	}
}

func TestNewUnknownMode(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = "lynx"

	_, err := New(opts, nil)
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestScrapingBeeRequiresAPIKey(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeScrapingBee

	_, err := New(opts, nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestScrapingBeeFetchHTML(t *testing.T) {
	var gotQuery map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		fmt.Fprint(w, `<html><body><div class="card">LECHE</div></body></html>`)
	}))
	defer ts.Close()

	opts := DefaultOptions()
	opts.Mode = ModeScrapingBee
	opts.APIKey = "secret"
	opts.Endpoint = ts.URL + "/api/v1/"

	engine, err := New(opts, nil)
	require.NoError(t, err)
	defer engine.Close()

	session, err := engine.NewSession(context.Background())
	require.NoError(t, err)
	defer session.Close()

	html, err := session.FetchHTML(context.Background(), "https://www.carrefour.com.ar/leche?_q=leche", ".card")
	require.NoError(t, err)
	assert.Contains(t, html, `<div class="card">LECHE</div>`)

	assert.Equal(t, "secret", gotQuery["api_key"])
	assert.Equal(t, "https://www.carrefour.com.ar/leche?_q=leche", gotQuery["url"])
	assert.Equal(t, "true", gotQuery["render_js"])
	assert.Equal(t, "ar", gotQuery["country_code"])
	assert.Equal(t, ".card", gotQuery["wait_for"])

	// A second fetch of the same page in one session is allowed.
	_, err = session.FetchHTML(context.Background(), "https://www.carrefour.com.ar/leche?_q=leche", "")
	require.NoError(t, err)
	_, hasWait := gotQuery["wait_for"]
	assert.False(t, hasWait)
}

func TestScrapingBeeFetchError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer ts.Close()

	opts := DefaultOptions()
	opts.APIKey = "secret"
	opts.Endpoint = ts.URL

	engine, err := NewScrapingBee(opts, testLogger())
	require.NoError(t, err)

	session, err := engine.NewSession(context.Background())
	require.NoError(t, err)

	_, err = session.FetchHTML(context.Background(), "https://www.coto.com.ar", "")
	assert.Error(t, err)
}

func TestScrapingBeeCancelledContext(t *testing.T) {
	opts := DefaultOptions()
	opts.APIKey = "secret"

	engine, err := NewScrapingBee(opts, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = engine.NewSession(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPageTimeout(t *testing.T) {
	assert.Equal(t, time.Minute, pageTimeout(context.Background(), time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.LessOrEqual(t, pageTimeout(ctx, time.Minute), time.Second)
}
