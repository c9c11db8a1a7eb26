/*
Copyright 2025 Jordi Gil.

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

package evaluation

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/config"
	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/internal/middleware"
	"github.com/jordigilh/gimc/pkg/fitness"
	"github.com/jordigilh/gimc/pkg/models"
	"github.com/jordigilh/gimc/pkg/storage"
)

// CandidateHashHeader carries the dispatched candidate's identity to the
// build VM.
const CandidateHashHeader = "X-Candidate-Hash"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTestAuth(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Authentication successful",
	})
}

type submitRequest struct {
	Code     string  `json:"code"`
	Class    *string `json:"class"`
	Makefile *string `json:"makefile"`
	UnitTest *string `json:"unit_test"`
	XML      *string `json:"xml"`
}

// handleSubmit accepts a candidate for evaluation. Submission is idempotent
// on the source hash: resubmitting resets the candidate's evaluation state
// while keeping its associations.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Code == "" {
		middleware.WriteError(w, http.StatusBadRequest, "No code provided")
		return
	}

	// Accept base64 or plaintext source; identity is always over plaintext.
	plaintext := req.Code
	if decoded, err := base64.StdEncoding.DecodeString(req.Code); err == nil {
		plaintext = string(decoded)
	}
	sum := sha256.Sum256([]byte(plaintext))
	hash := hex.EncodeToString(sum[:])

	candidate := &models.Candidate{
		Hash:           hash,
		Code:           base64.StdEncoding.EncodeToString([]byte(plaintext)),
		Makefile:       req.Makefile,
		UnitTest:       req.UnitTest,
		XML:            req.XML,
		Classification: req.Class,
	}
	if err := s.candidates.Upsert(r.Context(), candidate); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.metrics.SubmissionsTotal.Inc()

	if req.Class != nil && *req.Class != "" {
		tag, err := s.tags.GetOrCreate(r.Context(), "class", *req.Class)
		if err == nil {
			err = s.tags.AttachToCandidate(r.Context(), hash, tag.ID)
		}
		if err != nil {
			s.logger.Error("failed to tag candidate",
				zap.String("candidate", hash[:8]), zap.Error(err))
		}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status":         "success",
		"message":        "Code received for evaluation",
		"candidate_hash": hash,
	})
}

// handleCheckin hands exactly one pending candidate to a registered build
// VM. An empty 200 with no hash header means no work; the agent polls again
// later.
func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.config.VMByIP(config.PoolBuild, remoteIP(r))
	if !ok {
		s.logger.Warn("checkin from unregistered address", zap.String("ip", remoteIP(r)))
		middleware.WriteError(w, http.StatusBadRequest,
			"requesting IP address not registered in configuration file")
		return
	}

	// A VM mid-recycle, or one still bound to a running build, gets nothing.
	if !s.vms.Available(vm.Name) {
		s.metrics.CheckinsTotal.WithLabelValues("unavailable").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if active, err := s.candidates.ActiveForVM(r.Context(), vm.Name); err != nil {
		s.writeAppError(w, err)
		return
	} else if active != nil {
		s.metrics.CheckinsTotal.WithLabelValues("busy").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	candidate, err := s.candidates.Checkout(r.Context(), vm.Name)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if candidate == nil {
		s.metrics.CheckinsTotal.WithLabelValues("empty").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	s.metrics.CheckinsTotal.WithLabelValues("dispatched").Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(CandidateHashHeader, candidate.Hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(candidate.Code))
}

type updateRequest struct {
	Hash         string   `json:"hash"`
	Status       *int     `json:"status"`
	F1           *float64 `json:"F1"`
	F2           *float64 `json:"F2"`
	F3           *float64 `json:"F3"`
	AnalysisID   *int64   `json:"analysis_id"`
	SampleSHA256 *string  `json:"sample_sha256"`
	ErrorMessage *string  `json:"error_message"`
	Clean        bool     `json:"clean"`
}

// handleUpdate applies a partial candidate mutation from a build VM. Any
// state-machine violation answers 400 and schedules a defensive recycle of
// the misbehaving VM. Stage-terminating updates without clean=true recycle
// the VM as well.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.config.VMByIP(config.PoolBuild, remoteIP(r))
	if !ok {
		middleware.WriteError(w, http.StatusBadRequest,
			"requesting IP address not registered in configuration file")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recycleDefensively(vm.Name, "malformed update body")
		middleware.WriteError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Hash == "" {
		s.recycleDefensively(vm.Name, "update without candidate hash")
		middleware.WriteError(w, http.StatusBadRequest, "no candidate hash in request")
		return
	}

	// The agent may hand us a stored sample instead of an analysis id; the
	// service then dispatches the analysis to the sandbox itself.
	if req.AnalysisID == nil && req.SampleSHA256 != nil {
		analysisID, err := s.sandbox.SubmitAnalysis(r.Context(), *req.SampleSHA256)
		if err != nil {
			s.metrics.UpdatesTotal.WithLabelValues("dispatch_failed").Inc()
			s.writeAppError(w, err)
			return
		}
		req.AnalysisID = &analysisID
	}

	update := storage.CandidateUpdate{
		F1:           req.F1,
		F2:           req.F2,
		F3:           req.F3,
		AnalysisID:   req.AnalysisID,
		ErrorMessage: req.ErrorMessage,
	}
	if req.Status != nil {
		status := models.CandidateStatus(*req.Status)
		update.Status = &status
	}

	candidate, err := s.candidates.Update(r.Context(), req.Hash, update)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeTransition) {
			s.metrics.UpdatesTotal.WithLabelValues("rejected").Inc()
			s.recycleDefensively(vm.Name, "illegal state transition")
		} else if errors.IsType(err, errors.ErrorTypeNotFound) {
			s.metrics.UpdatesTotal.WithLabelValues("unknown").Inc()
			s.recycleDefensively(vm.Name, "update for unknown candidate")
		}
		s.writeAppError(w, err)
		return
	}
	s.metrics.UpdatesTotal.WithLabelValues("accepted").Inc()

	if req.AnalysisID != nil {
		s.associateSample(r, req.Hash, *req.AnalysisID)
	}

	// Stage termination: the build VM is done with this candidate. Recycle
	// unless the agent declared itself clean.
	if req.Status != nil {
		switch candidate.Status {
		case models.CandidateAnalyzing, models.CandidateComplete, models.CandidateError:
			if req.Clean {
				s.vms.Release(vm.Name)
			} else {
				s.metrics.RevertsScheduled.Inc()
				s.vms.Recycle(vm.Name)
			}
		}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "candidate updated successfully",
	})
}

// associateSample links the candidate to the sample behind its analysis.
// Best effort: a missing row only logs.
func (s *Server) associateSample(r *http.Request, hash string, analysisID int64) {
	analysis, err := s.analyses.Get(r.Context(), analysisID)
	if err != nil {
		s.logger.Warn("analysis not found while associating sample",
			zap.Int64("analysis_id", analysisID), zap.Error(err))
		return
	}
	if err := s.candidates.AttachSample(r.Context(), hash, analysis.Sample); err != nil {
		s.logger.Error("failed to associate sample with candidate",
			zap.String("candidate", hash[:8]), zap.Error(err))
	}
}

// handleInfo is the read-only status and fitness view.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	candidate, err := s.candidates.Get(r.Context(), hash)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	response := map[string]interface{}{
		"hash":          candidate.Hash,
		"status":        int(candidate.Status),
		"F1":            candidate.F1,
		"F2":            candidate.F2,
		"F3":            candidate.F3,
		"fitness":       fitness.FusedFromCandidate(candidate.F1, candidate.F2, candidate.F3, fitness.DefaultWeights()),
		"analysis_id":   candidate.AnalysisID,
		"build_vm":      candidate.BuildVM,
		"error_message": candidate.ErrorMessage,
		"date_added":    candidate.DateAdded.UTC().Format(time.RFC3339),
		"date_updated":  candidate.DateUpdated.UTC().Format(time.RFC3339),
	}
	if r.URL.Query().Get("returncode") == "true" {
		response["code"] = candidate.Code
		response["makefile"] = candidate.Makefile
		response["unit_test"] = candidate.UnitTest
	}
	middleware.WriteJSON(w, http.StatusOK, response)
}

// handleReanalyze resets a candidate to pending so every stage recomputes.
func (s *Server) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if err := s.candidates.ResetForReanalysis(r.Context(), hash); err != nil {
		s.writeAppError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "candidate reset to pending",
	})
}

func (s *Server) recycleDefensively(vmName, reason string) {
	s.logger.Warn("defensive VM recycle",
		zap.String("vm", vmName), zap.String("reason", reason))
	s.metrics.RevertsScheduled.Inc()
	s.vms.Recycle(vmName)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	status := errors.GetStatusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	middleware.WriteError(w, status, errors.SafeErrorMessage(err))
}
