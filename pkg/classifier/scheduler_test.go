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
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/pkg/models"
	"github.com/jordigilh/gimc/pkg/storage"
)

const schedTestHash = "aa11bb22cc33dd44ee55ff66aa77bb88cc99dd00ee11ff22aa33bb44cc55dd66"

type fakeCandidateStore struct {
	candidates map[string]*models.Candidate
	updates    []storage.CandidateUpdate
}

func (f *fakeCandidateStore) ListByStatus(_ context.Context, status models.CandidateStatus) ([]models.Candidate, error) {
	var out []models.Candidate
	for _, c := range f.candidates {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCandidateStore) Update(_ context.Context, hash string, u storage.CandidateUpdate) (*models.Candidate, error) {
	c, ok := f.candidates[hash]
	if !ok {
		return nil, errors.NewNotFoundError("candidate")
	}
	if u.Status != nil {
		if err := models.ValidateCandidateTransition(c.Status, *u.Status); err != nil {
			return nil, err
		}
		c.Status = *u.Status
	}
	if u.F3 != nil {
		c.F3 = u.F3
	}
	if u.ErrorMessage != nil {
		c.ErrorMessage = u.ErrorMessage
	}
	f.updates = append(f.updates, u)
	return c, nil
}

type fakeAnalysisStore struct {
	analyses map[int64]*models.Analysis
}

func (f *fakeAnalysisStore) Get(_ context.Context, id int64) (*models.Analysis, error) {
	a, ok := f.analyses[id]
	if !ok {
		return nil, errors.NewNotFoundError("analysis")
	}
	return a, nil
}

var _ = Describe("Scheduler", func() {
	var (
		tempDir    string
		candidates *fakeCandidateStore
		analyses   *fakeAnalysisStore
		classified []string
		model      Classifier
		scheduler  *Scheduler
	)

	sigs := Signatures{"wmi", "com", "cmd", "benign"}

	writeReport := func(name string) string {
		path := filepath.Join(tempDir, name)
		content := `{"dynamic": [
			{"Operation": "RegOpenKey", "Path": "HKLM\\Software", "Result": "SUCCESS"}
		]}`
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
		return path
	}

	analyzingCandidate := func(analysisID int64, class string) *models.Candidate {
		return &models.Candidate{
			Hash:           schedTestHash,
			Status:         models.CandidateAnalyzing,
			F1:             models.F64Ptr(0.5),
			F2:             models.F64Ptr(0.8),
			AnalysisID:     models.I64Ptr(analysisID),
			Classification: models.StrPtr(class),
		}
	}

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "scheduler-test")
		Expect(err).NotTo(HaveOccurred())

		candidates = &fakeCandidateStore{candidates: map[string]*models.Candidate{}}
		analyses = &fakeAnalysisStore{analyses: map[int64]*models.Analysis{}}
		classified = nil
		model = Func(func(_ context.Context, tokens []string, target string) (float64, error) {
			classified = append(classified, target)
			return 0.9, nil
		})
		scheduler = NewScheduler(candidates, analyses, model, sigs, time.Second, zap.NewNop())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	It("should classify a matured analysis and complete the candidate", func() {
		candidates.candidates[schedTestHash] = analyzingCandidate(42, "benign")
		analyses.analyses[42] = &models.Analysis{
			ID:     42,
			Status: models.AnalysisComplete,
			Report: writeReport("report.json"),
		}

		Expect(scheduler.Tick(context.Background())).To(Succeed())

		c := candidates.candidates[schedTestHash]
		Expect(c.Status).To(Equal(models.CandidateComplete))
		Expect(*c.F3).To(Equal(0.9))
		Expect(*c.F1).To(Equal(0.5), "upstream fitnesses preserved")
		Expect(*c.F2).To(Equal(0.8))
		Expect(classified).To(Equal([]string{"benign"}))
	})

	It("should skip candidates whose analysis is still running", func() {
		candidates.candidates[schedTestHash] = analyzingCandidate(42, "benign")
		analyses.analyses[42] = &models.Analysis{ID: 42, Status: models.AnalysisRunning}

		Expect(scheduler.Tick(context.Background())).To(Succeed())

		Expect(candidates.candidates[schedTestHash].Status).To(Equal(models.CandidateAnalyzing))
		Expect(classified).To(BeEmpty())
	})

	It("should complete with F3=0 when the analysis errored", func() {
		candidates.candidates[schedTestHash] = analyzingCandidate(42, "benign")
		analyses.analyses[42] = &models.Analysis{
			ID:           42,
			Status:       models.AnalysisError,
			ErrorMessage: models.StrPtr("analysis VM timeout"),
		}

		Expect(scheduler.Tick(context.Background())).To(Succeed())

		c := candidates.candidates[schedTestHash]
		Expect(c.Status).To(Equal(models.CandidateComplete))
		Expect(*c.F3).To(Equal(0.0))
		Expect(*c.F1).To(Equal(0.5))
		Expect(*c.F2).To(Equal(0.8))
		Expect(*c.ErrorMessage).To(ContainSubstring("analysis VM timeout"))
	})

	It("should error the candidate on an unknown classification", func() {
		candidates.candidates[schedTestHash] = analyzingCandidate(42, "rootkit")
		analyses.analyses[42] = &models.Analysis{
			ID:     42,
			Status: models.AnalysisComplete,
			Report: writeReport("report.json"),
		}

		Expect(scheduler.Tick(context.Background())).To(Succeed())

		c := candidates.candidates[schedTestHash]
		Expect(c.Status).To(Equal(models.CandidateError))
		Expect(*c.F3).To(Equal(0.0))
		Expect(*c.ErrorMessage).To(ContainSubstring("unknown classification"))
	})

	It("should error the candidate when the report file is missing", func() {
		candidates.candidates[schedTestHash] = analyzingCandidate(42, "benign")
		analyses.analyses[42] = &models.Analysis{
			ID:     42,
			Status: models.AnalysisComplete,
			Report: filepath.Join(tempDir, "absent.json"),
		}

		Expect(scheduler.Tick(context.Background())).To(Succeed())

		c := candidates.candidates[schedTestHash]
		Expect(c.Status).To(Equal(models.CandidateError))
		Expect(*c.F3).To(Equal(0.0))
	})

	It("should error the candidate when classification fails", func() {
		scheduler = NewScheduler(candidates, analyses,
			Func(func(context.Context, []string, string) (float64, error) {
				return 0, fmt.Errorf("model exploded")
			}), sigs, time.Second, zap.NewNop())

		candidates.candidates[schedTestHash] = analyzingCandidate(42, "benign")
		analyses.analyses[42] = &models.Analysis{
			ID:     42,
			Status: models.AnalysisComplete,
			Report: writeReport("report.json"),
		}

		Expect(scheduler.Tick(context.Background())).To(Succeed())

		c := candidates.candidates[schedTestHash]
		Expect(c.Status).To(Equal(models.CandidateError))
		Expect(*c.ErrorMessage).To(ContainSubstring("classification error"))
	})

	It("should error the candidate when no analysis is linked", func() {
		c := analyzingCandidate(42, "benign")
		c.AnalysisID = nil
		candidates.candidates[schedTestHash] = c

		Expect(scheduler.Tick(context.Background())).To(Succeed())

		Expect(candidates.candidates[schedTestHash].Status).To(Equal(models.CandidateError))
	})

	It("should be a no-op on candidates already finalized", func() {
		candidates.candidates[schedTestHash] = &models.Candidate{
			Hash:   schedTestHash,
			Status: models.CandidateComplete,
			F3:     models.F64Ptr(0.9),
		}

		Expect(scheduler.Tick(context.Background())).To(Succeed())
		Expect(candidates.updates).To(BeEmpty())
	})
})
