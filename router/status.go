package router

import (
	"encoding/json"
	"net/http"

	"github.com/relaymesh/server"
)

func Status(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version *string `json:"version,omitempty"`
		Host    *string `json:"host,omitempty"`
		Status  string  `json:"status"`
	}

	var version *string
	if v, err := server.Version(); err == nil {
		version = &v
	}

	var host *string
	if h, err := server.Host(); err == nil {
		host = &h
	}

	result := &StatusResult{
		Version: version,
		Host:    host,
		Status:  "ok",
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}
