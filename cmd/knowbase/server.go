package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/foodsafe/knowbase/ingest"
	"github.com/foodsafe/knowbase/internal/database"
	"github.com/foodsafe/knowbase/rerank"
	"github.com/foodsafe/knowbase/retrieval"
	"github.com/foodsafe/knowbase/store"
	"github.com/foodsafe/knowbase/types"
)

// apiServer 是检索核心的薄 HTTP 外壳：只做编解码与参数搬运，
// 所有降级与错误消化都发生在下层组件内。
type apiServer struct {
	retriever *retrieval.Retriever
	ingester  *ingest.Ingester
	store     *store.Store
	pool      *database.PoolManager
	reranker  *rerank.Reranker
	logger    *zap.Logger
}

func newAPIServer(retriever *retrieval.Retriever, ingester *ingest.Ingester,
	st *store.Store, pool *database.PoolManager, reranker *rerank.Reranker, logger *zap.Logger) *apiServer {
	return &apiServer{
		retriever: retriever,
		ingester:  ingester,
		store:     st,
		pool:      pool,
		reranker:  reranker,
		logger:    logger.With(zap.String("component", "api")),
	}
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/retrieve", s.handleRetrieve)
	mux.HandleFunc("POST /api/documents", s.handleIngest)
	mux.HandleFunc("POST /api/documents/deprecate", s.handleDeprecate)
	mux.HandleFunc("GET /api/entities", s.handleEntities)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return mux
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type retrieveRequest struct {
	Query          string           `json:"query"`
	Categories     []types.Category `json:"categories,omitempty"`
	TopK           int              `json:"top_k,omitempty"`
	Threshold      float64          `json:"threshold,omitempty"`
	IncludeExpired bool             `json:"include_expired,omitempty"`
}

func (s *apiServer) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	results := s.retriever.Retrieve(r.Context(), req.Query, retrieval.Options{
		Categories:     req.Categories,
		TopK:           req.TopK,
		Threshold:      req.Threshold,
		IncludeExpired: req.IncludeExpired,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *apiServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var input ingest.Input
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res := s.ingester.IngestDocument(r.Context(), input)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

type deprecateRequest struct {
	ParentID uint   `json:"parent_id"`
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

func (s *apiServer) handleDeprecate(w http.ResponseWriter, r *http.Request) {
	var req deprecateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParentID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "parent_id is required"})
		return
	}

	res := s.ingester.DeprecateDocument(r.Context(), req.ParentID, req.Reason, req.Operator)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *apiServer) handleEntities(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	entities, err := s.store.FindEntities(r.Context(), name, r.URL.Query().Get("type"), 0)
	if err != nil {
		s.logger.Error("entity lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "entity lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	categories, err := s.store.CategoryStats(r.Context())
	if err != nil {
		s.logger.Error("category stats failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": categories,
		"rerank":     s.reranker.GetStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
