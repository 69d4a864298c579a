package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	coderws "github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func wsDial(t *testing.T, env *gatewayEnv, query string, header http.Header) (*coderws.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(env.engine)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/stream" + query
	conn, resp, err := coderws.Dial(ctx, url, &coderws.DialOptions{HTTPHeader: header})
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

// readUntilClose drains text frames until the server closes, returning
// the frames and the close status.
func readUntilClose(t *testing.T, conn *coderws.Conn) ([]string, coderws.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	var frames []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return frames, coderws.CloseStatus(err)
		}
		frames = append(frames, string(data))
	}
}

func TestStreamWSDeliversChunkSequence(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.start()
	pair := env.login(t, "free@example.com")

	conn, _, err := wsDial(t, env, "?access_token="+pair.AccessToken, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.Write(ctx, coderws.MessageText, []byte(chatBody("gpt-4"))))

	frames, status := readUntilClose(t, conn)
	require.Equal(t, coderws.StatusNormalClosure, status)
	require.GreaterOrEqual(t, len(frames), 3)

	first := frames[0]
	require.Equal(t, "chat.completion.chunk", gjson.Get(first, "object").String())
	require.Equal(t, "assistant", gjson.Get(first, "choices.0.delta.role").String())
	id := gjson.Get(first, "id").String()
	require.True(t, strings.HasPrefix(id, "chatcmpl-"))

	last := frames[len(frames)-1]
	require.True(t, gjson.Get(last, "done").Bool(), "last frame must be the done marker: %s", last)

	finish := frames[len(frames)-2]
	require.Equal(t, "stop", gjson.Get(finish, "choices.0.finish_reason").String())

	var content strings.Builder
	for _, frame := range frames[1 : len(frames)-2] {
		require.Equal(t, id, gjson.Get(frame, "id").String())
		content.WriteString(gjson.Get(frame, "choices.0.delta.content").String())
	}
	require.NotEmpty(t, content.String())
}

func TestStreamWSAcceptsBearerHeader(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.start()
	pair := env.login(t, "free@example.com")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+pair.AccessToken)
	conn, _, err := wsDial(t, env, "", header)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.Write(ctx, coderws.MessageText, []byte(chatBody("glm-4"))))

	frames, status := readUntilClose(t, conn)
	require.Equal(t, coderws.StatusNormalClosure, status)
	require.True(t, gjson.Get(frames[len(frames)-1], "done").Bool())
}

func TestStreamWSRejectsMissingToken(t *testing.T) {
	env := newGatewayEnv(t, nil)

	_, resp, err := wsDial(t, env, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamWSValidationFailureClosesPolicyViolation(t *testing.T) {
	env := newGatewayEnv(t, nil)
	pair := env.login(t, "free@example.com")

	conn, _, err := wsDial(t, env, "?access_token="+pair.AccessToken, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.Write(ctx, coderws.MessageText, []byte(`{"model":"gpt-4"}`)))

	frames, status := readUntilClose(t, conn)
	require.Equal(t, coderws.StatusPolicyViolation, status)
	require.Len(t, frames, 1)
	require.Equal(t, "validation_failed", gjson.Get(frames[0], "error.code").String())
	require.Equal(t, "invalid_request_error", gjson.Get(frames[0], "error.type").String())
}

func TestStreamWSUnknownModelClosesPolicyViolation(t *testing.T) {
	env := newGatewayEnv(t, nil)
	pair := env.login(t, "free@example.com")

	conn, _, err := wsDial(t, env, "?access_token="+pair.AccessToken, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.Write(ctx, coderws.MessageText, []byte(chatBody("no-such-model"))))

	frames, status := readUntilClose(t, conn)
	require.Equal(t, coderws.StatusPolicyViolation, status)
	require.Len(t, frames, 1)
	require.Equal(t, "model_not_found", gjson.Get(frames[0], "error.code").String())
}

func TestStreamWSRequiresTextFrame(t *testing.T) {
	env := newGatewayEnv(t, nil)
	pair := env.login(t, "free@example.com")

	conn, _, err := wsDial(t, env, "?access_token="+pair.AccessToken, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.Write(ctx, coderws.MessageBinary, []byte{0x01, 0x02}))

	frames, status := readUntilClose(t, conn)
	require.Equal(t, coderws.StatusPolicyViolation, status)
	require.Empty(t, frames)
}
