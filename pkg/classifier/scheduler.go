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

package classifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/pkg/models"
	"github.com/jordigilh/gimc/pkg/storage"
)

// CandidateStore is the slice of the candidate repository the scheduler
// needs.
type CandidateStore interface {
	ListByStatus(ctx context.Context, status models.CandidateStatus) ([]models.Candidate, error)
	Update(ctx context.Context, hash string, update storage.CandidateUpdate) (*models.Candidate, error)
}

// AnalysisStore is the slice of the analysis repository the scheduler needs.
type AnalysisStore interface {
	Get(ctx context.Context, id int64) (*models.Analysis, error)
}

// Scheduler finalizes candidates whose dynamic analysis has matured. Each
// tick scans candidates in the analyzing state, resolves their analysis, and
// writes F3. Per-candidate failures are contained so one bad report cannot
// halt the pipeline.
type Scheduler struct {
	candidates CandidateStore
	analyses   AnalysisStore
	classifier Classifier
	signatures Signatures
	interval   time.Duration
	logger     *zap.Logger
}

func NewScheduler(
	candidates CandidateStore,
	analyses AnalysisStore,
	classifier Classifier,
	signatures Signatures,
	interval time.Duration,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		candidates: candidates,
		analyses:   analyses,
		classifier: classifier,
		signatures: signatures,
		interval:   interval,
		logger:     logger,
	}
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("classification scheduler started",
		zap.Duration("poll_interval", s.interval),
		zap.Strings("signatures", s.signatures))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("classification scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick processes every candidate currently awaiting classification. Only
// listing failures are returned; per-candidate errors finalize that
// candidate and are swallowed.
func (s *Scheduler) Tick(ctx context.Context) error {
	candidates, err := s.candidates.ListByStatus(ctx, models.CandidateAnalyzing)
	if err != nil {
		return err
	}
	for i := range candidates {
		s.process(ctx, &candidates[i])
	}
	return nil
}

// process resolves one analyzing candidate. Re-running on a candidate that
// has since completed is a no-op: the repository rejects the terminal
// transition and nothing is written.
func (s *Scheduler) process(ctx context.Context, candidate *models.Candidate) {
	log := s.logger.With(zap.String("candidate", candidate.Hash[:8]))

	if candidate.AnalysisID == nil {
		s.fail(ctx, candidate, "candidate has no analysis")
		return
	}

	analysis, err := s.analyses.Get(ctx, *candidate.AnalysisID)
	if err != nil {
		s.fail(ctx, candidate, fmt.Sprintf("analysis %d not found", *candidate.AnalysisID))
		return
	}

	switch analysis.Status {
	case models.AnalysisPending, models.AnalysisRunning:
		// Not matured yet; keep waiting.
		return
	case models.AnalysisError:
		msg := "analysis error"
		if analysis.ErrorMessage != nil {
			msg = fmt.Sprintf("analysis error: %s", *analysis.ErrorMessage)
		}
		s.complete(ctx, candidate, 0, &msg)
		log.Info("candidate finalized after failed analysis")
		return
	case models.AnalysisComplete:
		// Classify below.
	default:
		s.fail(ctx, candidate, fmt.Sprintf("analysis %d in unknown state %d", analysis.ID, analysis.Status))
		return
	}

	classification := ""
	if candidate.Classification != nil {
		classification = *candidate.Classification
	}
	if err := s.signatures.Validate(classification); err != nil {
		s.fail(ctx, candidate, err.Error())
		return
	}

	report, err := LoadReport(analysis.Report)
	if err != nil {
		s.fail(ctx, candidate, err.Error())
		return
	}

	tokens := TokenizeReport(report)
	if len(tokens) == 0 {
		s.fail(ctx, candidate, "report has no dynamic events")
		return
	}

	probability, err := s.classifier.Classify(ctx, tokens, classification)
	if err != nil {
		s.fail(ctx, candidate, fmt.Sprintf("classification error: %v", err))
		return
	}

	s.complete(ctx, candidate, probability, nil)
	log.Info("candidate classified",
		zap.String("class", classification),
		zap.Float64("f3", probability))
}

func (s *Scheduler) complete(ctx context.Context, candidate *models.Candidate, f3 float64, message *string) {
	status := models.CandidateComplete
	_, err := s.candidates.Update(ctx, candidate.Hash, storage.CandidateUpdate{
		Status:       &status,
		F3:           &f3,
		ErrorMessage: message,
	})
	if err != nil && !errors.IsType(err, errors.ErrorTypeTransition) {
		s.logger.Error("failed to finalize candidate",
			zap.String("candidate", candidate.Hash[:8]), zap.Error(err))
	}
}

func (s *Scheduler) fail(ctx context.Context, candidate *models.Candidate, message string) {
	status := models.CandidateError
	zero := 0.0
	_, err := s.candidates.Update(ctx, candidate.Hash, storage.CandidateUpdate{
		Status:       &status,
		F3:           &zero,
		ErrorMessage: &message,
	})
	if err != nil && !errors.IsType(err, errors.ErrorTypeTransition) {
		s.logger.Error("failed to mark candidate errored",
			zap.String("candidate", candidate.Hash[:8]), zap.Error(err))
	}
	s.logger.Warn("candidate failed classification",
		zap.String("candidate", candidate.Hash[:8]), zap.String("reason", message))
}
