package web

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"importq/custom_errors"
)

const maxRequestBody = 1 << 20

func applyCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// preflight answers CORS preflight requests and reports whether the request
// was one.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	applyCORS(w)
	w.WriteHeader(http.StatusNoContent)
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	applyCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Println("Error encoding JSON:", err)
	}
}

// writeError renders a RequestError with its own HTTP status and error code;
// anything else becomes an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	if re, ok := custom_errors.AsRequestError(err); ok {
		body := map[string]any{
			"ok":      false,
			"error":   re.Code,
			"message": re.Message,
		}
		for k, v := range re.Details {
			body[k] = v
		}
		writeJSON(w, re.HTTPStatus, body)
		return
	}

	log.Printf("[web] internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"ok":      false,
		"error":   "internal_error",
		"message": "Unexpected server error",
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(dst); err != nil {
		return custom_errors.NewInvalidRequest("Request body must be valid JSON")
	}
	return nil
}
