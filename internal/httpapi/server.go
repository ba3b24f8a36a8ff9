package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"embedd/internal/bootstrap"
	"embedd/internal/infer"
	"embedd/pkg/types"
)

// Server exposes the assembled inference engine over HTTP.
type Server struct {
	engine *bootstrap.Engine
	ready  func() bool
}

// NewServer wires the engine and a readiness probe into the HTTP layer.
func NewServer(engine *bootstrap.Engine, ready func() bool) *Server {
	return &Server{engine: engine, ready: ready}
}

// NewMux builds the router with all routes and middlewares.
func (s *Server) NewMux() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/embed", s.handleEmbed)
	r.Post("/predict", s.handlePredict)
	r.Post("/v1/embeddings", s.handleOpenAIEmbeddings)

	r.Get("/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Info)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.engine.Infer.Health(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decode reads a JSON body into dst, enforcing content type and body size.
// Shape violations surface as Validation errors.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeTagged(w, http.StatusUnsupportedMediaType, types.ErrorTypeValidation, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeTagged(w, http.StatusUnprocessableEntity, types.ErrorTypeValidation, err.Error())
		return false
	}
	return true
}

func (s *Server) checkBatchSize(w http.ResponseWriter, n int) bool {
	if max := s.engine.Info.MaxClientBatchSize; n > max {
		writeTagged(w, http.StatusRequestEntityTooLarge, types.ErrorTypeValidation,
			"batch size "+strconv.Itoa(n)+" > maximum allowed batch size "+strconv.Itoa(max))
		return false
	}
	return true
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req types.EmbedRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Inputs.Texts) == 0 {
		writeTagged(w, http.StatusUnprocessableEntity, types.ErrorTypeValidation, "`inputs` is required")
		return
	}
	if !s.checkBatchSize(w, len(req.Inputs.Texts)) {
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	results := make(types.EmbedResponse, len(req.Inputs.Texts))
	g, gctx := errgroup.WithContext(ctx)
	for idx, text := range req.Inputs.Texts {
		idx, text := idx, text
		g.Go(func() error {
			permit, err := s.engine.Infer.TryAcquirePermit()
			if err != nil {
				return err
			}
			emb, err := s.engine.Infer.Embed(gctx, types.Single(text), req.Truncate, req.Normalize, permit)
			if err != nil {
				return err
			}
			results[idx] = emb.Results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	classifier := s.engine.Info.ModelType.Classifier
	if classifier == nil {
		writeTagged(w, http.StatusUnprocessableEntity, types.ErrorTypeValidation, "model is not a classifier model")
		return
	}
	var req types.PredictRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Inputs.Sequences) == 0 {
		writeTagged(w, http.StatusUnprocessableEntity, types.ErrorTypeValidation, "`inputs` is required")
		return
	}
	if !s.checkBatchSize(w, len(req.Inputs.Sequences)) {
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	all := make([][]types.Prediction, len(req.Inputs.Sequences))
	g, gctx := errgroup.WithContext(ctx)
	for idx, seq := range req.Inputs.Sequences {
		idx, seq := idx, seq
		g.Go(func() error {
			permit, err := s.engine.Infer.TryAcquirePermit()
			if err != nil {
				return err
			}
			cls, err := s.engine.Infer.Predict(gctx, seq, req.Truncate, req.RawScores, permit)
			if err != nil {
				return err
			}
			all[idx] = labelScores(cls.Scores, classifier.ID2Label)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	if req.Inputs.Batch {
		writeJSON(w, http.StatusOK, all)
		return
	}
	writeJSON(w, http.StatusOK, all[0])
}

func (s *Server) handleOpenAIEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.OpenAICompatRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Input.Texts) == 0 {
		writeOpenAIError(w, http.StatusUnprocessableEntity, types.ErrorTypeValidation, "`input` is required")
		return
	}
	if max := s.engine.Info.MaxClientBatchSize; len(req.Input.Texts) > max {
		writeOpenAIError(w, http.StatusRequestEntityTooLarge, types.ErrorTypeValidation,
			"batch size "+strconv.Itoa(len(req.Input.Texts))+" > maximum allowed batch size "+strconv.Itoa(max))
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	data := make([]types.OpenAICompatEmbedding, len(req.Input.Texts))
	tokens := make([]int, len(req.Input.Texts))
	g, gctx := errgroup.WithContext(ctx)
	for idx, text := range req.Input.Texts {
		idx, text := idx, text
		g.Go(func() error {
			permit, err := s.engine.Infer.TryAcquirePermit()
			if err != nil {
				return err
			}
			emb, err := s.engine.Infer.Embed(gctx, types.Single(text), false, true, permit)
			if err != nil {
				return err
			}
			data[idx] = types.OpenAICompatEmbedding{Object: "embedding", Embedding: emb.Results, Index: idx}
			tokens[idx] = emb.PromptTokens
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		writeOpenAIError(w, statusForType(infer.TypeOf(err)), infer.TypeOf(err), err.Error())
		return
	}
	prompt := 0
	for _, n := range tokens {
		prompt += n
	}
	writeJSON(w, http.StatusOK, types.OpenAICompatResponse{
		Object: "list",
		Data:   data,
		Model:  s.engine.Info.ModelID,
		Usage:  types.OpenAICompatUsage{PromptTokens: prompt, TotalTokens: prompt},
	})
}

// labelScores maps score indices through id2label and orders predictions by
// descending score.
func labelScores(scores []float64, id2label map[string]string) []types.Prediction {
	preds := make([]types.Prediction, len(scores))
	for i, score := range scores {
		label, ok := id2label[strconv.Itoa(i)]
		if !ok {
			label = strconv.Itoa(i)
		}
		preds[i] = types.Prediction{Score: score, Label: label}
	}
	sort.SliceStable(preds, func(a, b int) bool { return preds[a].Score > preds[b].Score })
	return preds
}
