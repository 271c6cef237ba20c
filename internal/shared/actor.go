package shared

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/stockroom-erp/stockroom/internal/platform/httpx"
)

// ActorHeader carries the user id resolved by the upstream identity provider.
const ActorHeader = "X-Actor-ID"

// ParseActor reads the acting user id from r.
func ParseActor(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(ActorHeader))
	if raw == "" {
		return 0, ErrActorMissing
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrActorInvalid
	}
	return id, nil
}

// RequireActor rejects requests without a valid actor header and stores the
// id in the request context.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := ParseActor(r)
		if err != nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), id)))
	})
}
