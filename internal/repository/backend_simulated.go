package repository

import (
	"context"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/service"
)

// defaultModelSeeds is the shipped catalog, used when the config lists no
// models.
var defaultModelSeeds = []config.ModelSeed{
	{ID: "gpt-4", OwnedBy: "openai"},
	{ID: "claude-3-sonnet", OwnedBy: "anthropic"},
	{ID: "deepseek-chat", OwnedBy: "deepseek"},
	{ID: "glm-4", OwnedBy: "zhipu"},
}

// catalogCreated is the fixed creation stamp for seeded models, mirroring
// what upstream catalogs report for static entries.
const catalogCreated = 1687882411

var simulatedVocab = strings.Fields(`
the model processed your request and produced this sequence of tokens
drawing on patterns learned during training each word follows from the
context before it while staying within the budget the gateway granted
for this completion`)

// SimulatedBackend fabricates deterministic completions locally: the same
// model and prompt always yield the same token sequence. It exists so the
// whole admission and scheduling path can run without a GPU runtime.
type SimulatedBackend struct {
	models      []domain.ModelInfo
	known       map[string]struct{}
	baseLatency time.Duration
	tokenDelay  time.Duration
}

var _ service.InferenceBackend = (*SimulatedBackend)(nil)

func NewSimulatedBackend(cfg *config.Config) *SimulatedBackend {
	seeds := cfg.Backend.Models
	if len(seeds) == 0 {
		seeds = defaultModelSeeds
	}
	b := &SimulatedBackend{
		models:      make([]domain.ModelInfo, 0, len(seeds)),
		known:       make(map[string]struct{}, len(seeds)),
		baseLatency: cfg.Backend.Simulated.BaseLatencyOrDefault(),
		tokenDelay:  cfg.Backend.Simulated.TokenDelayOrDefault(),
	}
	for _, seed := range seeds {
		b.models = append(b.models, domain.ModelInfo{
			ID:      seed.ID,
			Object:  "model",
			Created: catalogCreated,
			OwnedBy: seed.OwnedBy,
		})
		b.known[seed.ID] = struct{}{}
	}
	return b
}

func (b *SimulatedBackend) Models(context.Context) ([]domain.ModelInfo, error) {
	out := make([]domain.ModelInfo, len(b.models))
	copy(out, b.models)
	return out, nil
}

func (b *SimulatedBackend) Complete(ctx context.Context, params *service.CompletionParams) (*service.CompletionResult, error) {
	tokens, usage, finish, err := b.generate(params)
	if err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, b.baseLatency); err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(tok)
	}
	return &service.CompletionResult{Text: sb.String(), FinishReason: finish, Usage: usage}, nil
}

func (b *SimulatedBackend) Stream(_ context.Context, params *service.CompletionParams) (service.TokenStream, error) {
	tokens, usage, _, err := b.generate(params)
	if err != nil {
		return nil, err
	}
	return &simulatedStream{
		tokens:     tokens,
		usage:      usage,
		firstDelay: b.baseLatency,
		tokenDelay: b.tokenDelay,
	}, nil
}

// generate derives the full token sequence for params. The sequence is a
// pure function of model and prompt, so streaming and non-streaming runs
// of the same request agree.
func (b *SimulatedBackend) generate(params *service.CompletionParams) ([]string, domain.Usage, string, error) {
	if _, ok := b.known[params.Model]; !ok {
		return nil, domain.Usage{}, "", infraerrors.NotFound("MODEL_NOT_FOUND", "model not found: "+params.Model)
	}

	var prompt strings.Builder
	promptTokens := 0
	for _, m := range params.Messages {
		prompt.WriteString(m.Role)
		prompt.WriteByte('\x00')
		prompt.WriteString(m.Content)
		prompt.WriteByte('\x00')
		promptTokens += len(strings.Fields(m.Content))
	}
	if promptTokens == 0 {
		promptTokens = 1
	}

	seed := xxhash.Sum64String(params.Model + "\x00" + prompt.String())
	rng := rand.New(rand.NewSource(int64(seed)))

	n := 24 + rng.Intn(40)
	finish := "stop"
	if params.MaxTokens > 0 && n > params.MaxTokens {
		n = params.MaxTokens
		finish = "length"
	}

	tokens := make([]string, 0, n)
	for i := 0; i < n; i++ {
		word := simulatedVocab[rng.Intn(len(simulatedVocab))]
		if i > 0 {
			word = " " + word
		}
		tokens = append(tokens, word)
	}

	usage := domain.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: n,
		TotalTokens:      promptTokens + n,
	}
	return tokens, usage, finish, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type simulatedStream struct {
	tokens     []string
	usage      domain.Usage
	firstDelay time.Duration
	tokenDelay time.Duration

	pos    int
	done   bool
	closed bool
}

func (s *simulatedStream) Next(ctx context.Context) (string, error) {
	if s.closed {
		return "", io.ErrClosedPipe
	}
	if s.pos >= len(s.tokens) {
		s.done = true
		return "", io.EOF
	}
	delay := s.tokenDelay
	if s.pos == 0 {
		delay = s.firstDelay
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return "", err
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

func (s *simulatedStream) Usage() (domain.Usage, bool) {
	return s.usage, s.done
}

func (s *simulatedStream) Close() error {
	s.closed = true
	return nil
}
