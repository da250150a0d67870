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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAgentFromPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want string
	}{
		{path: "/api/agents/agent-42/invoke", want: "agent-42"},
		{path: "/agents/a1", want: "a1"},
		{path: "/api/agents/agent-42", want: "agent-42"},
		{path: "/api/agents", want: ""},
		{path: "/api/agents/", want: ""},
		{path: "/api/users/7", want: ""},
		{path: "/", want: ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, tc.path, nil)
		require.Equal(t, tc.want, agentID(r), tc.path)
	}
}

func TestAgentFromBody(t *testing.T) {
	t.Parallel()

	body := `{"agentId":"helper","input":"hello"}`
	r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	require.Equal(t, "helper", agentID(r))

	// The peek must not consume the body the upstream handler reads.
	rest, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.Equal(t, body, string(rest))
}

func TestAgentBodyIgnored(t *testing.T) {
	t.Parallel()

	body := `{"agentId":"helper"}`

	t.Run("wrong method", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/chat", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		require.Empty(t, agentID(r))
	})

	t.Run("wrong content type", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
		r.Header.Set("Content-Type", "text/plain")
		require.Empty(t, agentID(r))
	})

	t.Run("malformed json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"agentId":`))
		r.Header.Set("Content-Type", "application/json")
		require.Empty(t, agentID(r))
		rest, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, `{"agentId":`, string(rest))
	})

	t.Run("oversized body", func(t *testing.T) {
		big := `{"agentId":"helper","pad":"` + strings.Repeat("x", maxAgentPeek) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(big))
		r.Header.Set("Content-Type", "application/json")
		require.Empty(t, agentID(r))
	})
}

func TestAgentPathWinsOverBody(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/api/agents/path-agent/run", strings.NewReader(`{"agentId":"body-agent"}`))
	r.Header.Set("Content-Type", "application/json")
	require.Equal(t, "path-agent", agentID(r))
}
