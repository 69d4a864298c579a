package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helixflow/helixgate/internal/config"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
)

func remoteTestConfig(baseURL string) *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{
			Kind: "remote",
			Remote: config.RemoteBackendConfig{
				BaseURL: baseURL,
				APIKey:  "sk-test",
				Timeout: 5 * time.Second,
			},
		},
	}
}

func TestRemoteBackendComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var got map[string]any
		require.NoError(t, json.Unmarshal(body, &got))
		require.Equal(t, "gpt-4", got["model"])
		_, streaming := got["stream"]
		require.False(t, streaming)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
		}`)
	}))
	defer srv.Close()

	b := NewRemoteBackend(remoteTestConfig(srv.URL))
	res, err := b.Complete(context.Background(), chatParams("gpt-4", "say hi"))
	require.NoError(t, err)
	require.Equal(t, "hi there", res.Text)
	require.Equal(t, "stop", res.FinishReason)
	require.Equal(t, 5, res.Usage.TotalTokens)
}

func TestRemoteBackendCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"boom"}`)
	}))
	defer srv.Close()

	b := NewRemoteBackend(remoteTestConfig(srv.URL))
	_, err := b.Complete(context.Background(), chatParams("gpt-4", "say hi"))
	require.Error(t, err)
	require.Equal(t, "BACKEND_ERROR", infraerrors.Reason(err))
	require.Equal(t, http.StatusBadGateway, infraerrors.Code(err))
}

func TestRemoteBackendStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var got map[string]any
		require.NoError(t, json.Unmarshal(body, &got))
		require.Equal(t, true, got["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b := NewRemoteBackend(remoteTestConfig(srv.URL))
	stream, err := b.Stream(context.Background(), chatParams("gpt-4", "say hi"))
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ctx := context.Background()
	var tokens []string
	for {
		tok, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}
	require.Equal(t, []string{"Hello", " world"}, tokens)

	usage, ok := stream.Usage()
	require.True(t, ok)
	require.Equal(t, 6, usage.TotalTokens)
}

func TestRemoteBackendStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		// Connection drops without a [DONE] marker.
	}))
	defer srv.Close()

	b := NewRemoteBackend(remoteTestConfig(srv.URL))
	stream, err := b.Stream(context.Background(), chatParams("gpt-4", "say hi"))
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ctx := context.Background()
	tok, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "partial", tok)

	_, err = stream.Next(ctx)
	require.Error(t, err)
	require.Equal(t, "BACKEND_ERROR", infraerrors.Reason(err))

	_, ok := stream.Usage()
	require.False(t, ok, "usage is not valid for a failed stream")
}

func TestRemoteBackendStreamUpstreamRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	b := NewRemoteBackend(remoteTestConfig(srv.URL))
	_, err := b.Stream(context.Background(), chatParams("gpt-4", "say hi"))
	require.Error(t, err)
	require.Equal(t, "BACKEND_ERROR", infraerrors.Reason(err))
}

func TestRemoteBackendModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[
			{"id":"gpt-4","object":"model","created":1687882411,"owned_by":"openai"},
			{"id":"glm-4","object":"model","created":1687882411,"owned_by":"zhipu"}
		]}`)
	}))
	defer srv.Close()

	b := NewRemoteBackend(remoteTestConfig(srv.URL))
	models, err := b.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "gpt-4", models[0].ID)
}
