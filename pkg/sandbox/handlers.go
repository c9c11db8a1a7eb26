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

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/config"
	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/internal/middleware"
	"github.com/jordigilh/gimc/pkg/models"
	"github.com/jordigilh/gimc/pkg/storage"
)

// Headers binding an analysis VM's submission to its running row.
const (
	AnalysisIDHeader   = "X-Analysis-ID"
	SampleSHA256Header = "X-Sample-SHA256"
)

// maxSampleSize bounds uploaded sample payloads.
const maxSampleSize = 256 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTestAuth(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Authentication successful",
	})
}

// handleSubmitSample stores an uploaded binary encrypted at rest, upserts
// its record keyed on the plaintext sha256, applies tags, and optionally
// queues an analysis in the same request.
func (s *Server) handleSubmitSample(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSampleSize)
	file, _, err := r.FormFile("file")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "no file in request")
		return
	}
	defer func() { _ = file.Close() }()

	digests, fullpath, err := s.store.Put(file)
	if err != nil {
		s.writeAppError(w, errors.Wrap(err, errors.ErrorTypeInternal, "failed to store sample"))
		return
	}

	sample := &models.Sample{
		SHA256:   digests.SHA256,
		MD5:      digests.MD5,
		SHA1:     digests.SHA1,
		SHA224:   digests.SHA224,
		SHA384:   digests.SHA384,
		SHA512:   digests.SHA512,
		Filepath: fullpath,
	}
	if err := s.samples.Upsert(r.Context(), sample); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.metrics.SamplesStored.Inc()

	if raw := r.FormValue("tags"); raw != "" {
		tags, err := storage.ParseTagList(raw)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		for _, t := range tags {
			tag, err := s.tags.GetOrCreate(r.Context(), t.Key, t.Value)
			if err == nil {
				err = s.tags.AttachToSample(r.Context(), sample.SHA256, tag.ID)
			}
			if err != nil {
				s.writeAppError(w, errors.Wrapf(err, errors.ErrorTypeValidation,
					"error adding tags to sample"))
				return
			}
		}
	}

	hashes := map[string]string{
		"md5":    digests.MD5,
		"sha1":   digests.SHA1,
		"sha224": digests.SHA224,
		"sha256": digests.SHA256,
		"sha384": digests.SHA384,
		"sha512": digests.SHA512,
	}

	if r.FormValue("analyze") == "true" {
		analysis, err := s.createAnalysis(r, sample)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"message":     "analysis successfully uploaded",
			"hashes":      hashes,
			"analysis_id": analysis.ID,
		})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "sample successfully uploaded",
		"hashes":  hashes,
	})
}

// handleSubmitAnalysis queues an analysis for an existing sample addressed
// by any of its digests.
func (s *Server) handleSubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	sample, err := s.samples.GetByHash(r.Context(), hash)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	analysis, err := s.createAnalysis(r, sample)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "analysis successfully uploaded",
		"analysis_id": analysis.ID,
	})
}

func (s *Server) createAnalysis(r *http.Request, sample *models.Sample) (*models.Analysis, error) {
	reportPath := fmt.Sprintf("%s_%s.json",
		sample.Filepath, time.Now().UTC().Format("20060102150405"))
	analysis, err := s.analyses.Create(r.Context(), sample.SHA256, reportPath)
	if err != nil {
		return nil, err
	}
	s.metrics.AnalysesQueued.Inc()
	return analysis, nil
}

// handleCheckin hands exactly one pending analysis to a registered analysis
// VM, responding with the encrypted sample bytes.
func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.config.VMByIP(config.PoolAnalysis, remoteIP(r))
	if !ok {
		s.logger.Warn("checkin from unregistered address", zap.String("ip", remoteIP(r)))
		middleware.WriteError(w, http.StatusBadRequest,
			"requesting IP address not registered in configuration file")
		return
	}

	if !s.vms.Available(vm.Name) {
		s.metrics.CheckinsTotal.WithLabelValues("unavailable").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if active, err := s.analyses.ActiveForVM(r.Context(), vm.Name); err != nil {
		s.writeAppError(w, err)
		return
	} else if active != nil {
		s.metrics.CheckinsTotal.WithLabelValues("busy").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	analysis, err := s.analyses.Checkout(r.Context(), vm.Name)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if analysis == nil {
		s.metrics.CheckinsTotal.WithLabelValues("empty").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	sample, err := s.samples.GetByHash(r.Context(), analysis.Sample)
	if err != nil {
		// The row references a sample that no longer exists. Fail the
		// analysis and recycle the VM defensively.
		msg := "sample not found"
		_, _ = s.analyses.Transition(r.Context(), analysis.ID, "", models.AnalysisError, &msg)
		s.recycleDefensively(vm.Name, "sample missing for dispatched analysis")
		middleware.WriteError(w, http.StatusNotFound, msg)
		return
	}

	f, err := s.store.Open(sample.Filepath)
	if err != nil {
		msg := "sample file unreadable"
		_, _ = s.analyses.Transition(r.Context(), analysis.ID, "", models.AnalysisError, &msg)
		s.recycleDefensively(vm.Name, "sample file unreadable")
		middleware.WriteError(w, http.StatusInternalServerError, msg)
		return
	}
	defer func() { _ = f.Close() }()

	s.metrics.CheckinsTotal.WithLabelValues("dispatched").Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", sample.SHA256))
	w.Header().Set(SampleSHA256Header, analysis.Sample)
	w.Header().Set(AnalysisIDHeader, strconv.FormatInt(analysis.ID, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Error("failed streaming sample to VM",
			zap.Int64("analysis_id", analysis.ID), zap.Error(err))
	}
}

// submissionIdentity parses and validates the binding headers.
func (s *Server) submissionIdentity(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	rawID := r.Header.Get(AnalysisIDHeader)
	if rawID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "no analysis ID in request")
		return 0, "", false
	}
	sha := r.Header.Get(SampleSHA256Header)
	if sha == "" {
		middleware.WriteError(w, http.StatusBadRequest, "no sample SHA256 in request")
		return 0, "", false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid analysis ID")
		return 0, "", false
	}
	return id, sha, true
}

// handleSubmitReport accepts the JSON report for a running analysis, writes
// it to the report path fixed at creation, and completes the row. Once the
// binding headers parse, the VM is recycled afterwards whatever the outcome;
// a request from an unregistered IP or with missing or invalid binding
// headers is rejected without a recycle.
func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.config.VMByIP(config.PoolAnalysis, remoteIP(r))
	if !ok {
		middleware.WriteError(w, http.StatusBadRequest,
			"requesting IP address not registered in configuration file")
		return
	}
	id, sha, ok := s.submissionIdentity(w, r)
	if !ok {
		return
	}

	analysis, err := s.analyses.Get(r.Context(), id)
	if err != nil {
		s.metrics.ReportsTotal.WithLabelValues("unknown").Inc()
		s.recycleDefensively(vm.Name, "report for unknown analysis")
		s.writeAppError(w, errors.NewTransitionError(
			fmt.Sprintf("no analysis task matching %d found", id)))
		return
	}
	if analysis.Sample != sha {
		s.metrics.ReportsTotal.WithLabelValues("mismatch").Inc()
		s.recycleDefensively(vm.Name, "report sample mismatch")
		s.writeAppError(w, errors.Newf(errors.ErrorTypeTransition,
			"analysis task %d does not match sample %s", id, sha))
		return
	}
	if analysis.Status != models.AnalysisRunning {
		s.metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		s.recycleDefensively(vm.Name, "report for non-running analysis")
		s.writeAppError(w, errors.NewTransitionError(
			"analysis is already "+analysis.Status.String()))
		return
	}

	var report json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSampleSize)).Decode(&report); err != nil || len(report) == 0 {
		s.failAnalysis(r, vm.Name, id, "no report in request")
		middleware.WriteError(w, http.StatusBadRequest, "no report in request")
		return
	}

	if err := writeReportFile(analysis.Report, report); err != nil {
		s.logger.Error("failed to save report",
			zap.Int64("analysis_id", id), zap.Error(err))
		s.failAnalysis(r, vm.Name, id, "error saving report to file")
		middleware.WriteError(w, http.StatusBadRequest, "error saving report to file")
		return
	}

	if _, err := s.analyses.Transition(r.Context(), id, sha, models.AnalysisComplete, nil); err != nil {
		s.metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		s.recycleDefensively(vm.Name, "report transition rejected")
		s.writeAppError(w, err)
		return
	}

	s.metrics.ReportsTotal.WithLabelValues("completed").Inc()
	s.metrics.RevertsScheduled.Inc()
	s.vms.Recycle(vm.Name)
	s.logger.Info("analysis report accepted",
		zap.Int64("analysis_id", id),
		zap.String("vm", vm.Name),
		zap.String("sample", sha[:8]))
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "report successfully uploaded",
	})
}

// handleSubmitError records an agent-side failure for a running analysis.
func (s *Server) handleSubmitError(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.config.VMByIP(config.PoolAnalysis, remoteIP(r))
	if !ok {
		middleware.WriteError(w, http.StatusBadRequest,
			"requesting IP address not registered in configuration file")
		return
	}
	id, sha, ok := s.submissionIdentity(w, r)
	if !ok {
		return
	}

	errorMessage := "no error message in request"
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Error != "" {
		errorMessage = body.Error
	}

	if _, err := s.analyses.Transition(r.Context(), id, sha, models.AnalysisError, &errorMessage); err != nil {
		s.metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		s.recycleDefensively(vm.Name, "error submission rejected")
		s.writeAppError(w, err)
		return
	}

	s.metrics.ReportsTotal.WithLabelValues("errored").Inc()
	s.metrics.RevertsScheduled.Inc()
	s.vms.Recycle(vm.Name)
	s.logger.Warn("analysis failed on VM",
		zap.Int64("analysis_id", id),
		zap.String("vm", vm.Name),
		zap.String("error", errorMessage))
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "error message successfully uploaded",
	})
}

func (s *Server) failAnalysis(r *http.Request, vmName string, id int64, message string) {
	if _, err := s.analyses.Transition(r.Context(), id, "", models.AnalysisError, &message); err != nil {
		s.logger.Error("failed to mark analysis errored",
			zap.Int64("analysis_id", id), zap.Error(err))
	}
	s.recycleDefensively(vmName, message)
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

// writeReportFile persists the report exactly once, pretty printed the way
// downstream tooling expects.
func writeReportFile(path string, report json.RawMessage) error {
	var pretty map[string]interface{}
	if err := json.Unmarshal(report, &pretty); err != nil {
		return fmt.Errorf("report is not a JSON object: %w", err)
	}
	data, err := json.MarshalIndent(pretty, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}
