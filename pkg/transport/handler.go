package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/statement"
)

// Decoder rebuilds the analyzed statement a forwarded request carries,
// configured with the request properties.
type Decoder interface {
	DecodeStatement(text string, payload []byte, properties map[string]string) (statement.Configured, error)
}

// Backend executes queries received from other hosts.
type Backend interface {
	ServePull(ctx context.Context, stmt statement.Configured, opts routing.Options, consistency *routing.ConsistencyOffsetVector, rows routing.RowSink) (routing.PullResult, error)
	ServePush(ctx context.Context, stmt statement.Configured, opts routing.PushOptions, rows routing.RowSink) (routing.PushResult, error)
}

// Handler serves the forwarding endpoints.
type Handler struct {
	decoder Decoder
	backend Backend
	logger  log.Logger
	router  *mux.Router
}

// NewHandler returns the HTTP handler of the forwarding endpoints.
func NewHandler(decoder Decoder, backend Backend, logger log.Logger) *Handler {
	h := &Handler{decoder: decoder, backend: backend, logger: logger, router: mux.NewRouter()}
	h.router.Path(PullPath).Methods(http.MethodPost).HandlerFunc(h.servePull)
	h.router.Path(PushPath).Methods(http.MethodPost).HandlerFunc(h.servePush)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, body any, fields func() (string, []byte, map[string]string)) (statement.Configured, bool) {
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return statement.Configured{}, false
	}
	text, payload, props := fields()
	if len(payload) == 0 {
		http.Error(w, "request carries no analyzed statement", http.StatusBadRequest)
		return statement.Configured{}, false
	}
	stmt, err := h.decoder.DecodeStatement(text, payload, props)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return statement.Configured{}, false
	}
	return stmt, true
}

func (h *Handler) servePull(w http.ResponseWriter, r *http.Request) {
	var req routing.PullRequest
	stmt, ok := h.decode(w, r, &req, func() (string, []byte, map[string]string) {
		return req.StatementText, req.Statement, req.Properties
	})
	if !ok {
		return
	}
	consistency, err := routing.DeserializeConsistencyOffsetVector(req.ConsistencyToken)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := routing.Options{
		SkipForwardRequest: r.Header.Get(ForwardedHeader) == "true",
		Partitions:         req.Partitions,
	}

	sink := newStreamSink(w)
	res, err := h.backend.ServePull(r.Context(), stmt, opts, consistency, sink)
	switch {
	case err != nil:
		level.Warn(h.logger).Log("msg", "forwarded pull query failed", "err", err)
		sink.write(message{Error: err.Error()})
	case res.Status == routing.Rejected:
		sink.write(message{Rejected: res.Reason})
	default:
		final := message{Done: true}
		if res.Consistency != nil {
			final.ConsistencyToken, _ = res.Consistency.Serialize()
		}
		sink.write(final)
	}
}

func (h *Handler) servePush(w http.ResponseWriter, r *http.Request) {
	var req routing.PushRequest
	stmt, ok := h.decode(w, r, &req, func() (string, []byte, map[string]string) {
		return req.StatementText, req.Statement, req.Properties
	})
	if !ok {
		return
	}
	opts := routing.PushOptions{
		HasBeenForwarded:             r.Header.Get(ForwardedHeader) == "true",
		ExpectingStartOfRegistryData: req.ExpectingStartOfRegistryData,
	}

	sink := newStreamSink(w)
	res, err := h.backend.ServePush(r.Context(), stmt, opts, sink)
	switch {
	case err != nil:
		level.Warn(h.logger).Log("msg", "forwarded push query failed", "err", err)
		sink.write(message{Error: err.Error()})
	case res.Status == routing.Rejected:
		sink.write(message{Rejected: res.Reason})
	default:
		sink.write(message{Done: true})
	}
}

// streamSink writes rows to a response as they are produced.
type streamSink struct {
	mtx     sync.Mutex
	w       http.ResponseWriter
	enc     *jsoniter.Encoder
	started bool
	err     error
}

func newStreamSink(w http.ResponseWriter) *streamSink {
	return &streamSink{w: w, enc: json.NewEncoder(w)}
}

func (s *streamSink) Put(ctx context.Context, row queue.Row) bool {
	if ctx.Err() != nil {
		return false
	}
	return s.write(message{Row: toWire(row)}) == nil
}

func (s *streamSink) write(m message) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return s.err
	}
	if !s.started {
		s.w.Header().Set("Content-Type", contentTypeNDJSON)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if s.err = s.enc.Encode(m); s.err != nil {
		return s.err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
