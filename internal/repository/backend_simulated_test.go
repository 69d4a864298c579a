package repository

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helixflow/helixgate/internal/config"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/service"
)

func simulatedTestConfig() *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{
			Simulated: config.SimulatedBackendConfig{BaseLatency: -1, TokenDelay: -1},
		},
	}
}

func chatParams(model, prompt string) *service.CompletionParams {
	return &service.CompletionParams{
		Model:    model,
		Messages: []service.ChatMessage{{Role: "user", Content: prompt}},
	}
}

func TestSimulatedBackendDeterministic(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatedBackend(simulatedTestConfig())

	first, err := b.Complete(ctx, chatParams("gpt-4", "hello there"))
	require.NoError(t, err)
	second, err := b.Complete(ctx, chatParams("gpt-4", "hello there"))
	require.NoError(t, err)
	require.Equal(t, first.Text, second.Text)
	require.Equal(t, first.Usage, second.Usage)

	other, err := b.Complete(ctx, chatParams("glm-4", "hello there"))
	require.NoError(t, err)
	require.NotEqual(t, first.Text, other.Text, "different models diverge")
}

func TestSimulatedBackendStreamMatchesComplete(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatedBackend(simulatedTestConfig())
	params := chatParams("deepseek-chat", "describe the moon")

	whole, err := b.Complete(ctx, params)
	require.NoError(t, err)

	stream, err := b.Stream(ctx, params)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	var sb strings.Builder
	count := 0
	for {
		tok, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sb.WriteString(tok)
		count++
	}

	require.Equal(t, whole.Text, sb.String())

	usage, ok := stream.Usage()
	require.True(t, ok)
	require.Equal(t, whole.Usage, usage)
	require.Equal(t, count, usage.CompletionTokens)
	require.Equal(t, usage.PromptTokens+usage.CompletionTokens, usage.TotalTokens)
}

func TestSimulatedBackendMaxTokens(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatedBackend(simulatedTestConfig())

	params := chatParams("gpt-4", "long prompt for truncation")
	params.MaxTokens = 5

	res, err := b.Complete(ctx, params)
	require.NoError(t, err)
	require.Equal(t, 5, res.Usage.CompletionTokens)
	require.Equal(t, "length", res.FinishReason)
}

func TestSimulatedBackendUnknownModel(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatedBackend(simulatedTestConfig())

	_, err := b.Complete(ctx, chatParams("unknown-model", "hi"))
	require.Error(t, err)
	require.Equal(t, "MODEL_NOT_FOUND", infraerrors.Reason(err))

	_, err = b.Stream(ctx, chatParams("unknown-model", "hi"))
	require.Equal(t, "MODEL_NOT_FOUND", infraerrors.Reason(err))
}

func TestSimulatedBackendStreamHonorsContext(t *testing.T) {
	b := NewSimulatedBackend(simulatedTestConfig())

	stream, err := b.Stream(context.Background(), chatParams("gpt-4", "hi"))
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSimulatedBackendCatalog(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatedBackend(simulatedTestConfig())

	models, err := b.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 4)
	ids := make([]string, 0, len(models))
	for _, m := range models {
		require.Equal(t, "model", m.Object)
		ids = append(ids, m.ID)
	}
	require.Contains(t, ids, "gpt-4")
	require.Contains(t, ids, "claude-3-sonnet")

	// Config seeds replace the default catalog.
	cfg := simulatedTestConfig()
	cfg.Backend.Models = []config.ModelSeed{{ID: "custom-7b", OwnedBy: "lab"}}
	b = NewSimulatedBackend(cfg)
	models, err = b.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "custom-7b", models[0].ID)
}
