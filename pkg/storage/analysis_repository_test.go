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

package storage

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/pkg/models"
)

const testSampleSHA = "ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00"

func analysisRows(a models.Analysis) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "sample", "report", "status", "analysis_vm", "error_message",
		"date_added", "date_updated",
	}).AddRow(
		a.ID, a.Sample, a.Report, int(a.Status),
		strVal(a.AnalysisVM), strVal(a.ErrorMessage),
		a.DateAdded, a.DateUpdated,
	)
}

var _ = Describe("AnalysisRepository", func() {
	var (
		ctx  context.Context
		repo *AnalysisRepository
		db   *sqlx.DB
		mock sqlmock.Sqlmock
	)

	BeforeEach(func() {
		ctx = context.Background()

		mockDB, mockSQL, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		db = sqlx.NewDb(mockDB, "sqlmock")
		mock = mockSQL

		repo = NewAnalysisRepository(db, zap.NewNop())
	})

	AfterEach(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			Fail(err.Error())
		}
	})

	Describe("Create", func() {
		It("should queue a pending analysis and return the new row", func() {
			report := "/data/ff/ff00/" + testSampleSHA + "_20250101120000.json"
			mock.ExpectQuery(`INSERT INTO analysis`).
				WithArgs(testSampleSHA, report, models.AnalysisPending).
				WillReturnRows(analysisRows(models.Analysis{
					ID:     42,
					Sample: testSampleSHA,
					Report: report,
					Status: models.AnalysisPending,
				}))

			a, err := repo.Create(ctx, testSampleSHA, report)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.ID).To(Equal(int64(42)))
			Expect(a.Status).To(Equal(models.AnalysisPending))
		})
	})

	Describe("Checkout", func() {
		It("should claim the oldest pending analysis", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT (.+) FROM analysis\s+WHERE status = \$1\s+ORDER BY date_added ASC, id ASC\s+LIMIT 1\s+FOR UPDATE SKIP LOCKED`).
				WithArgs(models.AnalysisPending).
				WillReturnRows(analysisRows(models.Analysis{
					ID:     7,
					Sample: testSampleSHA,
					Status: models.AnalysisPending,
				}))
			mock.ExpectExec(`UPDATE analysis SET status = \$1, analysis_vm = \$2`).
				WithArgs(models.AnalysisRunning, "win10-analysis-01", int64(7)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			a, err := repo.Checkout(ctx, "win10-analysis-01")
			Expect(err).ToNot(HaveOccurred())
			Expect(a).ToNot(BeNil())
			Expect(a.Status).To(Equal(models.AnalysisRunning))
			Expect(*a.AnalysisVM).To(Equal("win10-analysis-01"))
		})

		It("should return nil when no analyses are pending", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT (.+) FROM analysis\s+WHERE status = \$1`).
				WithArgs(models.AnalysisPending).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectRollback()

			a, err := repo.Checkout(ctx, "win10-analysis-01")
			Expect(err).ToNot(HaveOccurred())
			Expect(a).To(BeNil())
		})
	})

	Describe("Transition", func() {
		It("should complete a running analysis when identities match", func() {
			vm := "win10-analysis-01"
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT (.+) FROM analysis WHERE id = \$1 FOR UPDATE`).
				WithArgs(int64(7)).
				WillReturnRows(analysisRows(models.Analysis{
					ID:         7,
					Sample:     testSampleSHA,
					Status:     models.AnalysisRunning,
					AnalysisVM: &vm,
				}))
			mock.ExpectExec(`UPDATE analysis SET status = \$1`).
				WithArgs(models.AnalysisComplete, nil, int64(7)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			a, err := repo.Transition(ctx, 7, testSampleSHA, models.AnalysisComplete, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(a.Status).To(Equal(models.AnalysisComplete))
		})

		It("should reject a sample mismatch", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT (.+) FOR UPDATE`).
				WithArgs(int64(7)).
				WillReturnRows(analysisRows(models.Analysis{
					ID:     7,
					Sample: testSampleSHA,
					Status: models.AnalysisRunning,
				}))
			mock.ExpectRollback()

			_, err := repo.Transition(ctx, 7, "0000000000000000000000000000000000000000000000000000000000000000",
				models.AnalysisComplete, nil)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsType(err, errors.ErrorTypeTransition)).To(BeTrue())
		})

		It("should reject out-of-order transitions", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT (.+) FOR UPDATE`).
				WithArgs(int64(7)).
				WillReturnRows(analysisRows(models.Analysis{
					ID:     7,
					Sample: testSampleSHA,
					Status: models.AnalysisComplete,
				}))
			mock.ExpectRollback()

			_, err := repo.Transition(ctx, 7, testSampleSHA, models.AnalysisComplete, nil)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsType(err, errors.ErrorTypeTransition)).To(BeTrue())
		})

		It("should reject transitions on unknown analyses", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT (.+) FOR UPDATE`).
				WithArgs(int64(99)).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectRollback()

			_, err := repo.Transition(ctx, 99, testSampleSHA, models.AnalysisComplete, nil)
			Expect(errors.IsType(err, errors.ErrorTypeNotFound)).To(BeTrue())
		})
	})

	Describe("FailTimedOut", func() {
		It("should error stale running analyses and return them", func() {
			vm := "win10-analysis-02"
			mock.ExpectQuery(`UPDATE analysis SET status = \$1, error_message = \$2`).
				WithArgs(models.AnalysisError, "analysis VM timeout", models.AnalysisRunning, "60 seconds").
				WillReturnRows(analysisRows(models.Analysis{
					ID:         42,
					Sample:     testSampleSHA,
					Status:     models.AnalysisError,
					AnalysisVM: &vm,
				}))

			out, err := repo.FailTimedOut(ctx, 60*time.Second, "analysis VM timeout")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(HaveLen(1))
			Expect(out[0].ID).To(Equal(int64(42)))
		})
	})

	Describe("ResetRunning", func() {
		It("should requeue stranded analyses at startup", func() {
			mock.ExpectExec(`UPDATE analysis SET status = \$1, analysis_vm = NULL`).
				WithArgs(models.AnalysisPending, models.AnalysisRunning).
				WillReturnResult(sqlmock.NewResult(0, 3))

			n, err := repo.ResetRunning(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(int64(3)))
		})
	})
})

var _ = Describe("KindForHash", func() {
	DescribeTable("should infer the digest kind from the hex length",
		func(length int, expected HashKind) {
			hash := make([]byte, length)
			for i := range hash {
				hash[i] = 'a'
			}
			kind, err := KindForHash(string(hash))
			Expect(err).ToNot(HaveOccurred())
			Expect(kind).To(Equal(expected))
		},
		Entry("md5", 32, HashMD5),
		Entry("sha1", 40, HashSHA1),
		Entry("sha224", 56, HashSHA224),
		Entry("sha256", 64, HashSHA256),
		Entry("sha384", 96, HashSHA384),
		Entry("sha512", 128, HashSHA512),
	)

	It("should reject other lengths", func() {
		_, err := KindForHash("abcdef")
		Expect(err).To(HaveOccurred())
		Expect(errors.IsType(err, errors.ErrorTypeValidation)).To(BeTrue())
	})
})

var _ = Describe("ParseTagList", func() {
	It("should parse comma separated key=value pairs", func() {
		tags, err := ParseTagList("class=com, disposition=genome")
		Expect(err).ToNot(HaveOccurred())
		Expect(tags).To(HaveLen(2))
		Expect(tags[0].Key).To(Equal("class"))
		Expect(tags[0].Value).To(Equal("com"))
		Expect(tags[1].Key).To(Equal("disposition"))
		Expect(tags[1].Value).To(Equal("genome"))
	})

	It("should reject malformed pairs", func() {
		_, err := ParseTagList("class")
		Expect(err).To(HaveOccurred())
	})

	It("should skip empty segments", func() {
		tags, err := ParseTagList("class=com,")
		Expect(err).ToNot(HaveOccurred())
		Expect(tags).To(HaveLen(1))
	})
})
