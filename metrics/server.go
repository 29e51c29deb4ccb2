// Copyright 2024 Coinbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Healthy bool `json:"healthy"`
}

// StartServer exposes /metrics and /healthz on addr and switches the
// package to the Prometheus implementation. ready reports whether the
// service is able to process; nil means always ready. The returned
// close function stops the server and waits for it to drain.
func StartServer(addr string, ready func() bool) (string, func(), error) {
	InitializePrometheusMetrics()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("unable to listen on metrics addr %s: %w", addr, err)
	}

	router := mux.NewRouter()
	router.PathPrefix("/metrics").Handler(HTTPHandler())
	router.Path("/healthz").Methods(http.MethodGet).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := HealthStatus{Healthy: ready == nil || ready()}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	handler := handlers.CompressHandler(router)

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: time.Second, ReadTimeout: 5 * time.Second}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = srv.Serve(listener)
	}()

	return "http://" + listener.Addr().String(), func() {
		_ = srv.Close()
		wg.Wait()
	}, nil
}
