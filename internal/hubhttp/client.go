// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package hubhttp holds the HTTP plumbing shared by the download and
// upload paths: client construction, auth headers, status
// classification and retry backoff.
package hubhttp

import (
	"io"
	"net/http"
	"time"
)

// userAgent identifies this client to hub servers.
const userAgent = "hubsync/1"

// NewClient creates an HTTP client with sensible defaults for bulk
// transfers. No overall client timeout is set: large downloads run
// for a long time; callers bound individual requests with contexts.
//
// Sensitive headers (Authorization among them) are dropped by
// net/http when a redirect crosses to a foreign host, which is
// exactly the behavior CDN-redirected content URLs need.
func NewClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// AddAuth adds authentication and user-agent headers to a request.
func AddAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", userAgent)
}

// CheckStatus returns nil for 2xx responses and a *APIError for
// everything else. A short prefix of the response body is captured as
// the error message; the body is not closed.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		apiErr.URL = resp.Request.URL.String()
	}
	if resp.Body != nil {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		apiErr.Message = string(snippet)
	}
	return apiErr
}
