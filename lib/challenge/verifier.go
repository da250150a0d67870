/*
 * Gatewarden
 * Copyright (C) 2025  Gatewarden, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package challenge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/lib/defaults"
)

// DefaultVerifierURL is the Cloudflare Turnstile siteverify endpoint.
const DefaultVerifierURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// VerifierRequest is a single token validation sent to the external
// verifier.
type VerifierRequest struct {
	// Secret is the server-side verifier secret.
	Secret string
	// Token is the challenge token produced by the client widget.
	Token string
	// RemoteIP is the client address, forwarded when known.
	RemoteIP string
	// Action is the optional widget action tag.
	Action string
}

// VerifierResponse is the verifier's verdict on a token.
type VerifierResponse struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Action      string   `json:"action,omitempty"`
	Cdata       string   `json:"cdata,omitempty"`
}

// Verifier validates challenge tokens against an external service. A
// returned error means the verdict could not be obtained; a rejection is a
// response with Success false.
type Verifier interface {
	Verify(ctx context.Context, req VerifierRequest) (*VerifierResponse, error)
}

// HTTPVerifierConfig configures the outbound verifier client.
type HTTPVerifierConfig struct {
	// URL is the siteverify endpoint. Defaults to DefaultVerifierURL.
	URL string
	// Timeout is the hard deadline on a single verification call.
	Timeout time.Duration
	// Client is the HTTP client to use. Optional.
	Client *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HTTPVerifierConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		c.URL = DefaultVerifierURL
	}
	if _, err := url.Parse(c.URL); err != nil {
		return trace.BadParameter("invalid verifier URL %q: %v", c.URL, err)
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.VerifierTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return nil
}

// HTTPVerifier talks the Turnstile siteverify form protocol.
type HTTPVerifier struct {
	cfg HTTPVerifierConfig
}

// NewHTTPVerifier creates a verifier client for the configured endpoint.
func NewHTTPVerifier(cfg HTTPVerifierConfig) (*HTTPVerifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &HTTPVerifier{cfg: cfg}, nil
}

// Verify posts the token to the verifier and decodes the verdict. Network
// failures, timeouts and unparseable responses come back as connection
// problems; the caller decides what a missing verdict means.
func (v *HTTPVerifier) Verify(ctx context.Context, req VerifierRequest) (*VerifierResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	form := url.Values{
		"secret":   []string{req.Secret},
		"response": []string{req.Token},
	}
	if req.RemoteIP != "" {
		form.Set("remoteip", req.RemoteIP)
	}
	if req.Action != "" {
		form.Set("action", req.Action)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.cfg.Client.Do(httpReq)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "verifier request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to read verifier response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "verifier returned %q", resp.Status)
	}

	var out VerifierResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, trace.ConnectionProblem(err, "malformed verifier response")
	}
	return &out, nil
}
