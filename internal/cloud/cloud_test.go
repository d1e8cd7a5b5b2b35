package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-eye/internal/config"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		confirmed bool
		conf      float64
		plate     string
	}{
		{
			name:      "raw json",
			text:      `{"is_violation": true, "confidence": 0.97, "plate_number": "KA01AB1234"}`,
			confirmed: true, conf: 0.97, plate: "KA01AB1234",
		},
		{
			name:      "json fence",
			text:      "Here you go:\n```json\n{\"is_violation\": true, \"confidence\": 0.9, \"plate_number\": null}\n```",
			confirmed: true, conf: 0.9,
		},
		{
			name:      "bare fence",
			text:      "```\n{\"is_violation\": false, \"confidence\": 0.2}\n```",
			confirmed: false, conf: 0.2,
		},
		{
			name: "garbage",
			text: "I cannot tell.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseVerdict(tt.text, nil)
			assert.Equal(t, tt.confirmed, res.Confirmed)
			assert.InDelta(t, tt.conf, res.Confidence, 1e-9)
			assert.Equal(t, tt.plate, res.PlateNumber)
		})
	}
}

func TestNewVerifier(t *testing.T) {
	_, err := NewVerifier(config.CloudConfig{Provider: "vertex", APIKey: "k"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewVerifier(config.CloudConfig{Provider: "gemini"})
	assert.ErrorIs(t, err, ErrNoAPIKey)

	v, err := NewVerifier(config.CloudConfig{Provider: "openai", APIKey: "k", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "openai", v.Provider())
}

func TestGeminiVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))

		var body geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Contents, 1)
		assert.Contains(t, body.Contents[0].Parts[0].Text, "expected: 'no_helmet'")
		assert.Equal(t, "image/jpeg", body.Contents[0].Parts[1].InlineData.MimeType)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"`+
			"```json\\n{\\\"is_violation\\\": true, \\\"confidence\\\": 0.98, \\\"plate_number\\\": \\\"MH12 DE 1433\\\"}\\n```"+
			`"}]}}]}`)
	}))
	defer srv.Close()

	v, err := NewVerifier(config.CloudConfig{Provider: "gemini", APIKey: "secret", Model: "gemini-1.5-flash", Endpoint: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), Request{ViolationType: "no_helmet", Image: []byte{0xff, 0xd8}})
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.InDelta(t, 0.98, res.Confidence, 1e-9)
	assert.Equal(t, "MH12 DE 1433", res.PlateNumber)
	assert.NotEmpty(t, res.Raw)
}

func TestOpenAIVerifyServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v, err := NewVerifier(config.CloudConfig{Provider: "openai", APIKey: "k", Model: "gpt-4o-mini", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), Request{Image: []byte("x")})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "503"))
}

func TestOpenAIVerifyUnreadableAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":"no idea"}}]}`)
	}))
	defer srv.Close()

	v, err := NewVerifier(config.CloudConfig{Provider: "openai", APIKey: "k", Endpoint: srv.URL})
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), Request{Image: []byte("x")})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
}

func TestVerifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	v, err := NewVerifier(config.CloudConfig{Provider: "openai", APIKey: "k", Endpoint: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), Request{Image: []byte("x")})
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	assert.True(t, errors.As(err, &netErr) && netErr.Timeout())
}

func TestProbe(t *testing.T) {
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL)
	assert.True(t, p.Online(context.Background()))

	status = http.StatusBadGateway
	assert.False(t, p.Online(context.Background()))

	assert.False(t, NewProbe("http://127.0.0.1:1").Online(context.Background()))
}
