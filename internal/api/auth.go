package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"agentcast/internal/relay"
)

// ExtractSecret pulls the channel secret from the request. Precedence is
// fixed: x-api-key header, then Authorization bearer token, then the key
// query parameter.
func ExtractSecret(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("x-api-key")); key != "" {
		return key
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}

// requireSecret authorizes a secret-guarded channel operation: 401 when no
// credential was presented, 404 when the channel is unknown, 403 on a
// mismatched secret. Returns the secret only when all checks pass.
func (h *Handler) requireSecret(w http.ResponseWriter, r *http.Request, channelID string) (string, bool) {
	secret := ExtractSecret(r)
	if secret == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("channel secret required"))
		return "", false
	}
	if _, ok := h.Service.Registry().Get(channelID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
		return "", false
	}
	if !h.Service.Registry().ValidateSecret(channelID, secret) {
		writeError(w, http.StatusForbidden, fmt.Errorf("channel secret mismatch"))
		return "", false
	}
	return secret, true
}

func statusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case isNotFound(err):
		return http.StatusNotFound
	case isForbidden(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, relay.ErrChannelNotFound)
}

func isForbidden(err error) bool {
	return errors.Is(err, relay.ErrSecretMismatch)
}
