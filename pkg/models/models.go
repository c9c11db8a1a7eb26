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

// Package models defines the persistent entities shared by the evaluation
// and sandbox services. The candidate table is owned by the evaluation
// service, sample and analysis by the sandbox service; tags are shared.
package models

import "time"

// CandidateStatus is the lifecycle state of a candidate program.
type CandidateStatus int

const (
	CandidatePending   CandidateStatus = 0
	CandidateBuilding  CandidateStatus = 1
	CandidateAnalyzing CandidateStatus = 2
	CandidateComplete  CandidateStatus = 3
	CandidateError     CandidateStatus = 4
)

func (s CandidateStatus) String() string {
	switch s {
	case CandidatePending:
		return "pending"
	case CandidateBuilding:
		return "building"
	case CandidateAnalyzing:
		return "analyzing"
	case CandidateComplete:
		return "complete"
	case CandidateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further stage transitions.
func (s CandidateStatus) Terminal() bool {
	return s == CandidateComplete || s == CandidateError
}

// AnalysisStatus is the lifecycle state of a dynamic-analysis task.
type AnalysisStatus int

const (
	AnalysisPending  AnalysisStatus = 0
	AnalysisRunning  AnalysisStatus = 1
	AnalysisComplete AnalysisStatus = 2
	AnalysisError    AnalysisStatus = 3
)

func (s AnalysisStatus) String() string {
	switch s {
	case AnalysisPending:
		return "pending"
	case AnalysisRunning:
		return "running"
	case AnalysisComplete:
		return "complete"
	case AnalysisError:
		return "error"
	default:
		return "unknown"
	}
}

func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisComplete || s == AnalysisError
}

// Candidate is one evolvable source program under evaluation. Identity is
// the SHA-256 of the decoded source.
type Candidate struct {
	Hash           string          `db:"hash" json:"hash"`
	Code           string          `db:"code" json:"code,omitempty"`
	XML            *string         `db:"xml" json:"xml,omitempty"`
	Makefile       *string         `db:"makefile" json:"makefile,omitempty"`
	UnitTest       *string         `db:"unit_test" json:"unit_test,omitempty"`
	Classification *string         `db:"classification" json:"classification,omitempty"`
	Status         CandidateStatus `db:"status" json:"status"`
	F1             *float64        `db:"f1" json:"F1"`
	F2             *float64        `db:"f2" json:"F2"`
	F3             *float64        `db:"f3" json:"F3"`
	AnalysisID     *int64          `db:"analysis_id" json:"analysis_id"`
	BuildVM        *string         `db:"build_vm" json:"build_vm"`
	ErrorMessage   *string         `db:"error_message" json:"error_message"`
	DateAdded      time.Time       `db:"date_added" json:"date_added"`
	DateUpdated    time.Time       `db:"date_updated" json:"date_updated"`
}

// Sample is a compiled binary artifact stored encrypted on disk. Identity is
// the SHA-256 of the plaintext.
type Sample struct {
	SHA256    string    `db:"sha256" json:"sha256"`
	MD5       string    `db:"md5" json:"md5"`
	SHA1      string    `db:"sha1" json:"sha1"`
	SHA224    string    `db:"sha224" json:"sha224"`
	SHA384    string    `db:"sha384" json:"sha384"`
	SHA512    string    `db:"sha512" json:"sha512"`
	Filepath  string    `db:"filepath" json:"filepath"`
	DateAdded time.Time `db:"date_added" json:"date_added"`
}

// Analysis is one dynamic-analysis task attached to a sample. The report
// path is fixed at creation; the file is written exactly once on the
// running→complete transition.
type Analysis struct {
	ID           int64          `db:"id" json:"id"`
	Sample       string         `db:"sample" json:"sample"`
	Report       string         `db:"report" json:"report"`
	Status       AnalysisStatus `db:"status" json:"status"`
	AnalysisVM   *string        `db:"analysis_vm" json:"analysis_vm"`
	ErrorMessage *string        `db:"error_message" json:"error_message"`
	DateAdded    time.Time      `db:"date_added" json:"date_added"`
	DateUpdated  time.Time      `db:"date_updated" json:"date_updated"`
}

// Tag is a free-form (key,value) label attached to samples and candidates.
type Tag struct {
	ID        int64     `db:"id" json:"id"`
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	DateAdded time.Time `db:"date_added" json:"date_added"`
}

// VM is a configured sandbox virtual machine. VM records are configuration
// only; assignment state lives on the candidate or analysis row.
type VM struct {
	Name     string `json:"name" validate:"required"`
	IP       string `json:"ip" validate:"required,ip"`
	Snapshot string `json:"snapshot" validate:"required"`
}

// Report is the dynamic-analysis report consumed by the classifier. Only the
// dynamic section is required; static PE metadata is opaque here.
type Report struct {
	Static  map[string]interface{} `json:"static,omitempty"`
	Dynamic []ReportEvent          `json:"dynamic"`
}

// ReportEvent is a single monitored event from the analysis VM.
type ReportEvent struct {
	Operation string `json:"Operation"`
	Path      string `json:"Path"`
	Result    string `json:"Result"`
}

// StrPtr and related helpers build optional fields in one expression.
func StrPtr(s string) *string   { return &s }
func F64Ptr(f float64) *float64 { return &f }
func I64Ptr(i int64) *int64     { return &i }
