package controlplane

import "net/http"

// requireToken gates every route but /api/health behind the X-Tunnel-Token
// bearer header, per spec.md §4.7. A missing or mismatched token is always
// 401 — never 404 or 400, so a client can distinguish "wrong token" from
// "route-level error".
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(TokenHeader)
		if got == "" || !s.Token.Equal(got) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
