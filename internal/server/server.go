/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kevSchmidt/jsnote/pkg/bundler"
	"github.com/kevSchmidt/jsnote/pkg/loader"
)

// DefaultMaxEntryBytes bounds the size of a posted entry module
const DefaultMaxEntryBytes = 1 << 20

// Builder bundles an entry module
type Builder interface {
	Build(ctx context.Context, entrySource string) (*bundler.Result, error)
}

// errorResponse is the JSON body returned for failed builds
type errorResponse struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors,omitempty"`
}

// NewHandler serves POST /bundle, GET /metrics, and GET /healthz
func NewHandler(b Builder, log logr.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bundle", bundleHandler(b, log))
	mux.Handle("GET /metrics", promhttp.HandlerFor(loader.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

func bundleHandler(b Builder, log logr.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLog := log.WithValues("remote", r.RemoteAddr)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, DefaultMaxEntryBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
			return
		}

		ctx := logr.NewContext(r.Context(), reqLog)
		result, err := b.Build(ctx, string(body))
		if err != nil {
			var buildErr *bundler.BuildError
			if errors.As(err, &buildErr) {
				resp := errorResponse{Error: "build failed"}
				for _, m := range buildErr.Messages {
					resp.Errors = append(resp.Errors, m.Text)
				}
				writeError(w, http.StatusUnprocessableEntity, resp)
				return
			}
			reqLog.Error(err, "Bundle request failed")
			writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}

		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("X-Jsnote-Warnings", strconv.Itoa(len(result.Warnings)))
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, result.Code)
	}
}

func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
