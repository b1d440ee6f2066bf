package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks a static API token. Browsers cannot set headers on
// websocket upgrades, so the token may also arrive as access_token.
func authorizeBearer(r *http.Request, token string) *authError {
	if token == "" {
		return nil
	}
	presented := ""
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return &authError{
				status:  http.StatusUnauthorized,
				code:    "unauthorized",
				message: "missing or invalid bearer token",
			}
		}
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		presented = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if presented == "" {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "invalid api token",
		}
	}
	return nil
}
