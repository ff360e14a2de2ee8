package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gateguard/internal/model"
	"gateguard/internal/normalize"
)

const maxBody = 2 << 20

type RESTServer struct {
	pipeline *Pipeline
	recorder Recorder
}

// NewRESTHandler serves POST /checkins, answered synchronously with the
// processed outcome, and POST /checkins/batch, which queues its scans.
func NewRESTHandler(p *Pipeline, rec Recorder) http.Handler {
	s := &RESTServer{pipeline: p, recorder: rec}
	r := chi.NewRouter()
	r.Post("/checkins", s.handleCheckin)
	r.Post("/checkins/batch", s.handleBatch)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func StartREST(ctx context.Context, p *Pipeline, rec Recorder) *http.Server {
	current := p.cfg.Get().Ingest.REST
	if !current.Enabled {
		p.logger.Info("rest ingest disabled")
		return nil
	}
	p.logger.Info("rest ingest enabled", "addr", current.Addr)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTHandler(p, rec),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error("rest ingest server error", "err", err)
		}
	}()
	return httpServer
}

func (s *RESTServer) handleCheckin(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	fields, err := ParseJSONBytes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "")
		return
	}
	req, err := normalize.Normalize(*fields, s.pipeline.cfg.Get())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	req.Source = "rest"
	res, err := s.recorder.RecordCheckin(r.Context(), req)
	if err != nil {
		var verr *model.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, err.Error(), verr.Field)
		case errors.Is(err, model.ErrDependencyUnavailable):
			writeError(w, http.StatusServiceUnavailable, "dependency unavailable", "")
		default:
			s.pipeline.logger.Error("rest checkin failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error", "")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *RESTServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var list []map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if body[0] == '[' {
		if err := dec.Decode(&list); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", "")
			return
		}
	} else {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", "")
			return
		}
		list = append(list, obj)
	}

	accepted, failed := 0, 0
	for _, obj := range list {
		req, ok := s.pipeline.normalize(*ParseJSONMap(obj), "rest")
		if ok && s.pipeline.Send(r.Context(), req) {
			accepted++
		} else {
			failed++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted": accepted,
		"failed":   failed,
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body", "")
		return nil, false
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body", "")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg, field string) {
	body := map[string]string{"error": msg}
	if field != "" {
		body["field"] = field
	}
	writeJSON(w, status, body)
}
