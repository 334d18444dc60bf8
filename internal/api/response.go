package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// encodeFailureBody is sent when a reply envelope cannot be encoded.
var encodeFailureBody = mustEncode(models.Error("Internal server error"))

func mustEncode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("api: encode fallback body: " + err.Error())
	}
	return b
}

// writeJSONResponse encodes a session envelope and sends it with status.
// An envelope that fails to encode is replaced by encodeFailureBody and a 500,
// so a client never sees a half-written reply.
func writeJSONResponse(w http.ResponseWriter, status int, envelope interface{}) {
	body, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode envelope", "status", status, "error", err)
		body, status = encodeFailureBody, http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: write body", "error", err)
	}
}
