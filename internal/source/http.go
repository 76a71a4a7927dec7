// COPYRIGHT 2024 FERMI NATIONAL ACCELERATOR LABORATORY
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
//
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package source

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/fermitools/weewx-prompush/internal/metrics"
	"github.com/fermitools/weewx-prompush/internal/record"
)

const (
	maxRecordBody   = 1024 * 1024
	shutdownTimeout = 5 * time.Second
)

// HTTPSource accepts records POSTed as JSON objects to /records.  It also serves /healthz, and /metrics with the
// forwarder's own instruments.
type HTTPSource struct {
	Dispatcher
	addr   string
	logger *log.Entry
}

// NewHTTPSource returns an HTTPSource that will listen on addr
func NewHTTPSource(addr string, logger *log.Entry) *HTTPSource {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &HTTPSource{
		addr:   addr,
		logger: logger.WithField("source", "http"),
	}
}

// Handler returns the source's router
func (s *HTTPSource) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Recoverer)
	router.Post("/records", s.handleRecord)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.MetricsRegistry, promhttp.HandlerOpts{}))
	return router
}

func (s *HTTPSource) handleRecord(w http.ResponseWriter, r *http.Request) {
	var rec record.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBody)).Decode(&rec); err != nil {
		sourceRecords.WithLabelValues("http", "rejected").Inc()
		s.logger.WithField("remote", r.RemoteAddr).Warnf("Rejecting malformed record: %s", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sourceRecords.WithLabelValues("http", "accepted").Inc()
	s.Emit(rec)
	w.WriteHeader(http.StatusAccepted)
}

// Run serves until ctx is done, then shuts the server down gracefully
func (s *HTTPSource) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Errorf("Could not listen on %s: %s", s.addr, err)
		return err
	}
	return s.serve(ctx, listener)
}

func (s *HTTPSource) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()
	s.logger.WithField("address", listener.Addr().String()).Info("Listening for records")

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("Could not shut down HTTP source cleanly: %s", err)
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
