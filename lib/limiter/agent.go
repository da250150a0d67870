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

package limiter

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// maxAgentPeek bounds how much of a request body the agent sniffer is
// willing to buffer.
const maxAgentPeek = 8 * 1024

// agentID extracts the agent identifier a request targets, either from an
// /agents/<id> path segment or from an agentId field in a small JSON body.
// The body is restored so the upstream handler still sees it. Returns ""
// when the request addresses no particular agent.
func agentID(r *http.Request) string {
	if id := agentFromPath(r.URL.Path); id != "" {
		return id
	}
	return agentFromBody(r)
}

func agentFromPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		if segment == "agents" && i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	return ""
}

func agentFromBody(r *http.Request) string {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return ""
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return ""
	}
	// Unknown lengths are not worth the risk of truncating the body the
	// upstream handler will read.
	if r.ContentLength < 0 || r.ContentLength > maxAgentPeek {
		return ""
	}

	peeked, err := io.ReadAll(io.LimitReader(r.Body, maxAgentPeek))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(peeked))
	if err != nil {
		return ""
	}

	var payload struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(peeked, &payload); err != nil {
		return ""
	}
	return payload.AgentID
}
