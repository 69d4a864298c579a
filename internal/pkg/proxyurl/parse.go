// Package proxyurl validates egress proxy URLs. Validation fails fast: an
// invalid proxy configuration is an error at load time, never a silent
// fallback to a direct connection.
package proxyurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var allowedSchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks5":  true,
	"socks5h": true,
}

// Parse validates raw as a proxy URL.
//
// An empty (or all-whitespace) string means direct connection and returns
// ("", nil, nil). socks5:// is upgraded to socks5h:// so hostnames resolve
// on the proxy side rather than locally. Error messages never echo the
// raw URL, which may embed credentials.
func Parse(raw string) (trimmed string, parsed *url.URL, err error) {
	trimmed = strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil, nil
	}

	parsed, err = url.Parse(trimmed)
	if err != nil {
		// url.Error embeds the raw URL, which may carry credentials.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return "", nil, fmt.Errorf("invalid proxy URL: %v", err)
	}
	if parsed.Host == "" || parsed.Hostname() == "" {
		return "", nil, fmt.Errorf("proxy URL missing host: %s", parsed.Redacted())
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedSchemes[scheme] {
		return "", nil, fmt.Errorf("unsupported proxy scheme %q (allowed: http, https, socks5, socks5h)", scheme)
	}
	if scheme == "socks5" {
		parsed.Scheme = "socks5h"
		trimmed = parsed.String()
	}

	return trimmed, parsed, nil
}
