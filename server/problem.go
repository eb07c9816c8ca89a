package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"kcfront/auth"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, Problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

func writeProblemBody(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// statusForKind maps a flow outcome to its HTTP status.
func statusForKind(kind auth.Kind) int {
	switch kind {
	case auth.KindInvalidState, auth.KindTokenExchangeFailed, auth.KindNotAuthenticated, auth.KindRefreshFailed:
		return http.StatusUnauthorized
	case auth.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFlowError renders a flow failure. Provider bodies are surfaced as the
// detail of a failed code exchange; internal errors never leak their cause.
func writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	status := statusForKind(kind)
	p := Problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Instance: r.URL.Path,
		Code:     kind.String(),
	}

	var flowErr *auth.Error
	if errors.As(err, &flowErr) {
		switch kind {
		case auth.KindTokenExchangeFailed:
			p.Detail = flowErr.Detail
			if p.Detail == "" {
				p.Detail = flowErr.Msg
			}
		case auth.KindInternal:
		default:
			p.Detail = flowErr.Msg
		}
	}
	writeProblemBody(w, p)
}
