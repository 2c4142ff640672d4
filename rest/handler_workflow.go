package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	api "github.com/TriviaNFT/triviaNFT-sub002/api/v1"
	"github.com/TriviaNFT/triviaNFT-sub002/auth"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type resumeRequest struct {
	RunId string `json:"runId"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MAX_BODY_BYTES))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return nil, false
		}
		respondWithError(w, http.StatusBadRequest, "can not read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := s.verifier.Verify(r.Header.Get(auth.SIGNATURE_HEADER), body); err != nil {
		logger.Warn("rejected trigger", zap.String("remote", r.RemoteAddr), zap.Error(err))
		respondWithServiceError(w, api.AuthenticationError{Reason: err.Error()})
		return
	}
	var req service.TriggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed trigger body")
		return
	}
	res, err := s.executorService.Trigger(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if res.Duplicate {
		respondWithJSON(w, http.StatusOK, res)
		return
	}
	respondWithJSON(w, http.StatusAccepted, res)
}

func (s *Server) HandleResume(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req resumeRequest
	if err := json.Unmarshal(body, &req); err != nil || req.RunId == "" {
		respondWithError(w, http.StatusBadRequest, "malformed resume body")
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.tokens.Verify(token, req.RunId); err != nil {
		logger.Warn("rejected resume", zap.String("RunId", req.RunId), zap.String("remote", r.RemoteAddr), zap.Error(err))
		respondWithServiceError(w, api.AuthenticationError{Reason: err.Error()})
		return
	}
	if err := s.executorService.Resume(r.Context(), req.RunId); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"runId": req.RunId})
}

func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runId := mux.Vars(r)["id"]
	view, err := s.executorService.GetRun(r.Context(), runId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (s *Server) HandleGetRunByKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view, err := s.executorService.GetRunByKey(r.Context(), q.Get("definition"), q.Get("key"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (s *Server) HandleGetStepRecords(w http.ResponseWriter, r *http.Request) {
	runId := mux.Vars(r)["id"]
	records, err := s.executorService.GetStepRecords(r.Context(), runId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"runId": runId, "steps": records})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		logger.Error("health check failed", zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	respondOK(w, map[string]any{"status": "ok"})
}

func respondWithServiceError(w http.ResponseWriter, err error) {
	var (
		authErr    api.AuthenticationError
		notFound   api.RunNotFoundError
		unknownDef api.UnknownDefinitionError
		invalid    api.InvalidRequestError
		overloaded api.OverloadedError
		storageErr api.StorageLayerError
	)
	switch {
	case errors.As(err, &authErr):
		respondWithError(w, http.StatusUnauthorized, "request not authenticated")
	case errors.As(err, &notFound):
		respondWithError(w, http.StatusNotFound, "workflow run not found")
	case errors.As(err, &unknownDef):
		respondWithError(w, http.StatusBadRequest, "unknown workflow definition "+unknownDef.Name)
	case errors.As(err, &invalid):
		respondWithError(w, http.StatusBadRequest, "invalid "+invalid.Field+": "+invalid.Message)
	case errors.As(err, &overloaded):
		w.Header().Set("Retry-After", strconv.Itoa(int(overloaded.RetryAfter.Seconds())))
		respondWithError(w, http.StatusServiceUnavailable, "dispatcher overloaded")
	case errors.As(err, &storageErr):
		respondWithError(w, http.StatusInternalServerError, "storage error")
	default:
		logger.Error("unexpected error", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
