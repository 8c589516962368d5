package middleware

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/audiocast/stream-api/errors"
)

const userIDHeader = "user_id"

// RequireUserID rejects requests that do not carry a non-empty user_id
// header. The upstream gateway authenticates users; this service only
// checks that the identity was forwarded.
func RequireUserID(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID := strings.TrimSpace(r.Header.Get(userIDHeader))
		if userID == "" {
			errors.WriteHTTPUnauthorized(w, "missing user_id header", nil)
			return
		}
		next(w, r, ps)
	}
}
