package main

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeAndValidate[T any](r *http.Request, srv *server, out *T) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return err
	}
	return srv.validate.Struct(out)
}
