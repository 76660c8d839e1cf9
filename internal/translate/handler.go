package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
	"github.com/keithlinneman/linnemanlabs-translate/internal/ollama"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

const (
	DefaultTemperature = 0.3
	DefaultNumPredict  = 2048

	// text limit in runes is 5000; 4 bytes per rune plus JSON overhead
	maxBodyBytes = 32 << 10
)

// Generator is the slice of the inference client the handler needs.
type Generator interface {
	Generate(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateResponse, error)
}

type Options struct {
	Generator   Generator
	Temperature float64
	NumPredict  int

	// OnResult, if set, observes every inference attempt (metrics).
	// outcome is "ok", "cancelled" or "error".
	OnResult func(outcome string, d time.Duration)
}

type Handler struct {
	opts Options
}

func New(opts Options) (*Handler, error) {
	if opts.Generator == nil {
		return nil, xerrors.New("translate: Generator is nil")
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.NumPredict <= 0 {
		opts.NumPredict = DefaultNumPredict
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.normalize()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	resp, err := h.opts.Generator.Generate(ctx, ollama.GenerateRequest{
		Model:  req.Model,
		Prompt: BuildPrompt(req.Text, req.SourceLang, req.TargetLang),
		Options: ollama.GenerateOptions{
			Temperature: h.opts.Temperature,
			NumPredict:  h.opts.NumPredict,
		},
	})
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// superseded by the client, nobody is listening
			h.observe("cancelled", elapsed)
			L.Debug(ctx, "translation cancelled by client", "duration_ms", elapsed.Milliseconds())
			return
		}
		h.observe("error", elapsed)
		kv := []any{"duration_ms", elapsed.Milliseconds()}
		var apiErr *ollama.APIError
		if errors.As(err, &apiErr) {
			kv = append(kv, "upstream_status", apiErr.StatusCode, "transient", apiErr.Transient())
		}
		L.Error(ctx, err, "translation failed", kv...)
		writeError(w, http.StatusBadGateway, "translation failed")
		return
	}
	h.observe("ok", elapsed)

	writeJSON(w, http.StatusOK, Response{
		Translation:     strings.TrimSpace(resp.Response),
		Model:           resp.Model,
		EvalCount:       resp.EvalCount,
		TotalDurationMS: time.Duration(resp.TotalDuration).Milliseconds(),
	})
}

func (h *Handler) observe(outcome string, d time.Duration) {
	if h.opts.OnResult != nil {
		h.opts.OnResult(outcome, d)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
