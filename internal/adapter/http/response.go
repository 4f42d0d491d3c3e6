package http

import (
	"encoding/json"
	"net/http"
)

// Envelope is the JSON body of every API response.
type Envelope struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func writeJSON(w http.ResponseWriter, statusCode int, status bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(Envelope{
		Status:  status,
		Message: message,
		Data:    data,
	})
}

func success(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	writeJSON(w, statusCode, true, message, data)
}

func fail(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, false, message, nil)
}

func badRequest(w http.ResponseWriter, message string) {
	fail(w, http.StatusBadRequest, message)
}

func unauthorized(w http.ResponseWriter, message string) {
	fail(w, http.StatusUnauthorized, message)
}

func forbidden(w http.ResponseWriter, message string) {
	fail(w, http.StatusForbidden, message)
}

// writeError maps err to its AppError and writes it.
func writeError(w http.ResponseWriter, err error) {
	appErr := MapError(err)
	fail(w, appErr.Status, appErr.Message)
}
