package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/chatfanout/auth"
)

const wwwAuthenticateHeader = "WWW-Authenticate"

// bearerChallenge builds a WWW-Authenticate value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted when empty; so is the error when code is empty.
func bearerChallenge(realm, code, description string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	var pieces []string
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if code != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(code)))
		if description != "" {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(description)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// authenticate resolves the caller's user when an authenticator is
// configured. On failure it writes the challenge and returns ok=false.
// Without an authenticator every caller is anonymous.
func (s *Server) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (userID string, ok bool) {
	if s.auth == nil {
		return "", true
	}
	tok, wellFormed := auth.TokenFromRequest(r)
	if !wellFormed {
		s.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, bearerChallenge(s.realm, "invalid_request", "malformed bearer authorization header"))
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return "", false
	}
	if tok == "" {
		// RFC 6750 3.1: no error code when no credentials were offered.
		s.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, bearerChallenge(s.realm, "", ""))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	info, err := s.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			s.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, bearerChallenge(s.realm, "invalid_token", err.Error()))
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return "", false
		}
		s.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication unavailable")
		return "", false
	}
	return info.UserID(), true
}
