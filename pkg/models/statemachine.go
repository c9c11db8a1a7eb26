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

package models

import (
	"github.com/jordigilh/gimc/internal/errors"
)

// candidateTransitions enumerates every legal candidate move. Reset to
// pending is modeled separately (reanalyze) because it is an operator
// action, not a stage transition.
var candidateTransitions = map[CandidateStatus][]CandidateStatus{
	CandidatePending:   {CandidateBuilding},
	CandidateBuilding:  {CandidateAnalyzing, CandidateComplete, CandidateError},
	CandidateAnalyzing: {CandidateComplete, CandidateError},
}

// ValidateCandidateTransition returns a transition error unless from→to is a
// legal stage move. Same-state writes are allowed so partial updates (e.g. a
// fitness value while building) keep the row's keepalive fresh.
func ValidateCandidateTransition(from, to CandidateStatus) error {
	if from == to {
		if from.Terminal() {
			return errors.NewTransitionError(
				"candidate is already " + from.String())
		}
		return nil
	}
	for _, allowed := range candidateTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return errors.Newf(errors.ErrorTypeTransition,
		"illegal candidate transition %s -> %s", from, to)
}

var analysisTransitions = map[AnalysisStatus][]AnalysisStatus{
	AnalysisPending: {AnalysisRunning},
	AnalysisRunning: {AnalysisComplete, AnalysisError},
}

// ValidateAnalysisTransition enforces the strict pending → running →
// (complete | error) order.
func ValidateAnalysisTransition(from, to AnalysisStatus) error {
	if from == to {
		if from.Terminal() {
			return errors.NewTransitionError(
				"analysis is already " + from.String())
		}
		return nil
	}
	for _, allowed := range analysisTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return errors.Newf(errors.ErrorTypeTransition,
		"illegal analysis transition %s -> %s", from, to)
}
