package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/auth"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const MAX_BODY_BYTES = 1 << 20

type Server struct {
	http.Server
	Port            int
	executorService *service.WorkflowExecutionService
	verifier        *auth.Verifier
	tokens          *auth.TokenIssuer
	storage         persistence.Storage
}

func NewServer(httpPort int, executorService *service.WorkflowExecutionService, verifier *auth.Verifier, tokens *auth.TokenIssuer, storage persistence.Storage) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:              fmt.Sprintf(":%d", httpPort),
			IdleTimeout:       2 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
		executorService: executorService,
		verifier:        verifier,
		tokens:          tokens,
		storage:         storage,
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/trigger", s.HandleTrigger).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/resume", s.HandleResume).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/runs", s.HandleGetRunByKey).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs/{id}", s.HandleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs/{id}/steps", s.HandleGetStepRecords).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info(r.RequestURI, zap.String("method", r.Method), zap.Int("status", rec.status), zap.Duration("took", time.Since(start)))
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
