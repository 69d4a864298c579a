package repository

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/proxyurl"
	"github.com/helixflow/helixgate/internal/service"
	"github.com/helixflow/helixgate/internal/util/logredact"
)

const streamScanBufferSize = 1 << 20

// RemoteBackend forwards completions to an OpenAI-compatible upstream.
// Two clients are kept: the default one auto-reads JSON responses, the
// stream one leaves the body open for SSE consumption.
type RemoteBackend struct {
	client *req.Client
	stream *req.Client
}

var _ service.InferenceBackend = (*RemoteBackend)(nil)

func NewRemoteBackend(cfg *config.Config) *RemoteBackend {
	rc := cfg.Backend.Remote
	// Config validation already rejected malformed proxy URLs.
	_, proxy, err := proxyurl.Parse(rc.ProxyURL)
	if err != nil {
		logger.L().Error("backend.proxy_url_invalid", zap.Error(err))
	}
	newClient := func() *req.Client {
		c := req.C().
			SetBaseURL(strings.TrimRight(rc.BaseURL, "/")).
			SetTimeout(rc.TimeoutOrDefault())
		if rc.APIKey != "" {
			c.SetCommonBearerAuthToken(rc.APIKey)
		}
		if proxy != nil {
			c.SetProxy(http.ProxyURL(proxy))
		}
		return c
	}
	streamClient := newClient()
	streamClient.DisableAutoReadResponse()
	return &RemoteBackend{client: newClient(), stream: streamClient}
}

type remoteChatRequest struct {
	service.CompletionParams
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *remoteStreamOptions `json:"stream_options,omitempty"`
}

type remoteStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type remoteChatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *domain.Usage `json:"usage"`
}

func (b *RemoteBackend) Complete(ctx context.Context, params *service.CompletionParams) (*service.CompletionResult, error) {
	var out remoteChatResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(remoteChatRequest{CompletionParams: *params}).
		SetSuccessResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return nil, remoteErr("chat completion", err)
	}
	if !resp.IsSuccessState() {
		return nil, upstreamStatusErr(resp.StatusCode, resp.String())
	}
	if len(out.Choices) == 0 {
		return nil, infraerrors.BadGateway("BACKEND_ERROR", "upstream returned no choices")
	}

	choice := out.Choices[0]
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	result := &service.CompletionResult{Text: choice.Message.Content, FinishReason: finish}
	if out.Usage != nil {
		result.Usage = *out.Usage
	} else {
		result.Usage = estimateUsage(params, len(strings.Fields(choice.Message.Content)))
	}
	return result, nil
}

func (b *RemoteBackend) Stream(ctx context.Context, params *service.CompletionParams) (service.TokenStream, error) {
	resp, err := b.stream.R().
		SetContext(ctx).
		SetBody(remoteChatRequest{
			CompletionParams: *params,
			Stream:           true,
			StreamOptions:    &remoteStreamOptions{IncludeUsage: true},
		}).
		Post("/v1/chat/completions")
	if err != nil {
		return nil, remoteErr("chat stream", err)
	}
	if !resp.IsSuccessState() {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, upstreamStatusErr(resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), streamScanBufferSize)
	return &remoteStream{body: resp.Body, scanner: scanner, params: params}, nil
}

func (b *RemoteBackend) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	var out struct {
		Data []domain.ModelInfo `json:"data"`
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		Get("/v1/models")
	if err != nil {
		return nil, remoteErr("list models", err)
	}
	if !resp.IsSuccessState() {
		return nil, upstreamStatusErr(resp.StatusCode, resp.String())
	}
	return out.Data, nil
}

// remoteStream consumes the upstream SSE body line by line, yielding
// delta content and capturing the usage chunk when the upstream sends
// one.
type remoteStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	params  *service.CompletionParams

	emitted   int
	usage     domain.Usage
	usageSeen bool
	done      bool
	closed    bool
}

func (s *remoteStream) Next(ctx context.Context) (string, error) {
	if s.closed {
		return "", io.ErrClosedPipe
	}
	if s.done {
		return "", io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", infraerrors.Newf(http.StatusBadGateway, "BACKEND_ERROR",
					"upstream stream read: %v", err)
			}
			return "", infraerrors.BadGateway("BACKEND_ERROR", "upstream stream ended without done marker")
		}
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		if u := gjson.Get(payload, "usage"); u.Exists() && u.IsObject() {
			s.usage = domain.Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
			s.usageSeen = true
		}
		if content := gjson.Get(payload, "choices.0.delta.content"); content.Exists() && content.String() != "" {
			s.emitted++
			return content.String(), nil
		}
	}
}

func (s *remoteStream) Usage() (domain.Usage, bool) {
	if !s.done {
		return domain.Usage{}, false
	}
	if s.usageSeen {
		return s.usage, true
	}
	return estimateUsage(s.params, s.emitted), true
}

func (s *remoteStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// estimateUsage approximates token counts by whitespace fields when the
// upstream reports none.
func estimateUsage(params *service.CompletionParams, completionTokens int) domain.Usage {
	promptTokens := 0
	for _, m := range params.Messages {
		promptTokens += len(strings.Fields(m.Content))
	}
	if promptTokens == 0 {
		promptTokens = 1
	}
	return domain.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

// upstreamStatusErr embeds the upstream response body in the error, with
// credential-shaped values masked because upstream errors often echo the
// request.
func upstreamStatusErr(status int, body string) error {
	return infraerrors.Newf(http.StatusBadGateway, "BACKEND_ERROR",
		"upstream status %d: %s", status, logredact.RedactText(body))
}

func remoteErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return infraerrors.Newf(http.StatusGatewayTimeout, "BACKEND_TIMEOUT", "%s: %v", op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return infraerrors.Newf(http.StatusGatewayTimeout, "BACKEND_TIMEOUT", "%s: %v", op, err)
	}
	return infraerrors.Newf(http.StatusBadGateway, "BACKEND_ERROR", "%s: %v", op, err)
}
