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
	"github.com/lib/pq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("TagRepository", func() {
	var (
		ctx  context.Context
		repo *TagRepository
		db   *sqlx.DB
		mock sqlmock.Sqlmock
	)

	BeforeEach(func() {
		ctx = context.Background()

		mockDB, mockSQL, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		db = sqlx.NewDb(mockDB, "sqlmock")
		mock = mockSQL

		repo = NewTagRepository(db, zap.NewNop())
	})

	AfterEach(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			Fail(err.Error())
		}
	})

	Describe("GetOrCreate", func() {
		It("should upsert on the key/value constraint and return the tag", func() {
			mock.ExpectQuery(`INSERT INTO tag`).
				WithArgs("class", "com").
				WillReturnRows(sqlmock.NewRows([]string{"id", "key", "value", "date_added"}).
					AddRow(int64(3), "class", "com", time.Now()))

			tag, err := repo.GetOrCreate(ctx, "class", "com")
			Expect(err).ToNot(HaveOccurred())
			Expect(tag.ID).To(Equal(int64(3)))
			Expect(tag.Key).To(Equal("class"))
			Expect(tag.Value).To(Equal("com"))
		})
	})

	Describe("associations", func() {
		It("should attach tags to candidates idempotently", func() {
			mock.ExpectExec(`INSERT INTO candidate_tag`).
				WithArgs(testHash, int64(3)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.AttachToCandidate(ctx, testHash, 3)).To(Succeed())
		})

		It("should attach tags to samples idempotently", func() {
			mock.ExpectExec(`INSERT INTO sample_tag`).
				WithArgs(testSampleSHA, int64(3)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.AttachToSample(ctx, testSampleSHA, 3)).To(Succeed())
		})
	})

	Describe("ListForSample", func() {
		It("should return the sample's tags ordered by key", func() {
			mock.ExpectQuery(`SELECT t.id, t.key, t.value, t.date_added FROM tag t`).
				WithArgs(testSampleSHA).
				WillReturnRows(sqlmock.NewRows([]string{"id", "key", "value", "date_added"}).
					AddRow(int64(1), "class", "com", time.Now()).
					AddRow(int64(2), "disposition", "genome", time.Now()))

			tags, err := repo.ListForSample(ctx, testSampleSHA)
			Expect(err).ToNot(HaveOccurred())
			Expect(tags).To(HaveLen(2))
			Expect(tags[0].Key).To(Equal("class"))
		})
	})

	Describe("FindSamplesByTagValues", func() {
		It("should match samples by any tag value", func() {
			mock.ExpectQuery(`SELECT DISTINCT st.sample_sha256 FROM sample_tag st`).
				WithArgs(pq.Array([]string{"com", "wmi"})).
				WillReturnRows(sqlmock.NewRows([]string{"sample_sha256"}).
					AddRow(testSampleSHA))

			hashes, err := repo.FindSamplesByTagValues(ctx, []string{"com", "wmi"})
			Expect(err).ToNot(HaveOccurred())
			Expect(hashes).To(Equal([]string{testSampleSHA}))
		})
	})
})
