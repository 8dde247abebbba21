// Package api implements the §6 HTTP surface under /api/v1/: one handler
// struct per resource wired into a single net/http.ServeMux, matching the
// teacher's own main.go router wiring (see DESIGN.md's "Dispatcher routing
// style" decision). Every handler authenticates via an injected
// Authenticator, decodes a JSON body, calls straight into the Orchestrator/
// Registry/Diff Feed/Earnings aggregator, and renders either the resulting
// entity or a {statusCode,message} error envelope.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
)

// statusFor maps an ierr.Kind to the HTTP status code the §6 error
// envelope carries. Internal is the fallback for anything unclassified,
// the same default ierr.KindOf itself uses.
func statusFor(kind ierr.Kind) int {
	switch kind {
	case ierr.InvalidArgument:
		return http.StatusBadRequest
	case ierr.Unauthenticated:
		return http.StatusUnauthorized
	case ierr.Forbidden, ierr.SignatureInvalid:
		return http.StatusForbidden
	case ierr.NotFound:
		return http.StatusNotFound
	case ierr.AlreadyExists:
		return http.StatusConflict
	case ierr.Conflict:
		return http.StatusConflict
	case ierr.PreconditionFailed:
		return http.StatusPreconditionFailed
	case ierr.Unsupported:
		return http.StatusUnprocessableEntity
	case ierr.Timeout:
		return http.StatusGatewayTimeout
	case ierr.ChainAdapterUnavail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorEnvelope is the §6 {statusCode, message} error body.
type errorEnvelope struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	json.NewEncoder(w).Encode(body)
}

// writeError renders err as the uniform error envelope, classifying it
// through ierr.KindOf when it isn't already an *ierr.Error. A Payload on
// the error (e.g. CreatePurchase's AlreadyExists echo) is merged into the
// response ahead of statusCode/message.
func writeError(w http.ResponseWriter, err error) {
	kind := ierr.KindOf(err)
	status := statusFor(kind)

	var ie *ierr.Error
	if e, ok := err.(*ierr.Error); ok {
		ie = e
	}
	if ie != nil && ie.Payload != nil {
		payload, marshalErr := json.Marshal(ie.Payload)
		if marshalErr == nil {
			merged := map[string]json.RawMessage{}
			json.Unmarshal(payload, &merged)
			merged["statusCode"] = mustMarshal(status)
			merged["message"] = mustMarshal(err.Error())
			writeJSON(w, status, merged)
			return
		}
	}

	writeJSON(w, status, errorEnvelope{StatusCode: status, Message: err.Error()})
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ierr.InvalidArgumentf("invalid request body: %v", err)
	}
	return nil
}
