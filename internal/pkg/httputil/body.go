package httputil

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

const (
	bodyReadInitCap    = 512
	bodyReadMaxInitCap = 1 << 20
)

// ErrBodyTooLarge is returned when a request body exceeds the caller's limit.
var ErrBodyTooLarge = errors.New("httputil: request body too large")

// ReadBounded reads the request body into memory, preallocating from the
// Content-Length hint and refusing bodies larger than limit bytes.
// limit <= 0 means no limit.
func ReadBounded(req *http.Request, limit int64) ([]byte, error) {
	if req == nil || req.Body == nil {
		return nil, nil
	}
	if limit > 0 && req.ContentLength > limit {
		return nil, ErrBodyTooLarge
	}

	capHint := bodyReadInitCap
	if req.ContentLength > 0 {
		switch {
		case req.ContentLength < int64(bodyReadInitCap):
			capHint = bodyReadInitCap
		case req.ContentLength > int64(bodyReadMaxInitCap):
			capHint = bodyReadMaxInitCap
		default:
			capHint = int(req.ContentLength)
		}
	}

	src := req.Body
	if limit > 0 {
		// 1 extra byte distinguishes "exactly limit" from "over limit"
		// for chunked bodies without a Content-Length.
		src = io.NopCloser(io.LimitReader(req.Body, limit+1))
	}

	buf := bytes.NewBuffer(make([]byte, 0, capHint))
	if _, err := io.Copy(buf, src); err != nil {
		return nil, err
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, ErrBodyTooLarge
	}
	return buf.Bytes(), nil
}
