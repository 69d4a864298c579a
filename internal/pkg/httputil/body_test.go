package httputil

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadBounded(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"a":1}`))
	body, err := ReadBounded(req, 1<<20)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(body))
}

func TestReadBounded_ContentLengthOverLimit(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 100)))
	req.ContentLength = 100
	_, err := ReadBounded(req, 10)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestReadBounded_ChunkedOverLimit(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 100)))
	req.ContentLength = -1 // unknown length
	_, err := ReadBounded(req, 10)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestReadBounded_ExactlyAtLimit(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader("abcde"))
	req.ContentLength = -1
	body, err := ReadBounded(req, 5)
	require.NoError(t, err)
	require.Equal(t, "abcde", string(body))
}

func TestReadBounded_NilBody(t *testing.T) {
	body, err := ReadBounded(nil, 10)
	require.NoError(t, err)
	require.Nil(t, body)
}
