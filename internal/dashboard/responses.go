package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// Pagination holds a parsed limit query parameter.
type Pagination struct {
	Limit int
}

// ParsePagination extracts limit from the query string, defaulting to 50.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{Limit: 50}
	v := r.URL.Query().Get("limit")
	if v == "" {
		return p, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return p, fmt.Errorf("invalid limit %q: must be an integer", v)
	}
	if n < 1 {
		return p, fmt.Errorf("invalid limit %d: must be >= 1", n)
	}
	p.Limit = n
	return p, nil
}

// PathString extracts a chi URL parameter, erroring if absent.
func PathString(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return "", fmt.Errorf("missing path parameter: %s", name)
	}
	return v, nil
}
