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
	"encoding/json"
	"net/http"
)

// Wrap gates every request through the engine before handing it to next.
// Denials are answered here with a JSON body; allowed requests carry the
// rate limit headers into the upstream response.
func (e *Engine) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := e.Check(r.Context(), r)
		d.WriteHeaders(w.Header())
		if !d.Allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(d.StatusCode)
			if err := json.NewEncoder(w).Encode(map[string]string{"message": d.message()}); err != nil {
				log.DebugContext(r.Context(), "Failed to write denial body", "error", err)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}
