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

// Package classifier turns completed dynamic-analysis reports into the
// behavioral fitness F3. The CNN text model itself is an external
// collaborator reached through the Classifier contract; this package owns
// the fixed tokenizer, report loading, and the scheduling loop that
// finalizes candidates.
package classifier

import (
	"context"

	"github.com/jordigilh/gimc/internal/errors"
)

// Classifier maps a token stream to the softmax probability of a target
// class. Implementations must be safe for sequential reuse; the scheduler
// never calls concurrently.
type Classifier interface {
	Classify(ctx context.Context, tokens []string, targetClass string) (float64, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, tokens []string, targetClass string) (float64, error)

func (f Func) Classify(ctx context.Context, tokens []string, targetClass string) (float64, error) {
	return f(ctx, tokens, targetClass)
}

// Signatures is the ordered list of trained class labels.
type Signatures []string

// Contains reports whether label is a trained class.
func (s Signatures) Contains(label string) bool {
	for _, sig := range s {
		if sig == label {
			return true
		}
	}
	return false
}

// Validate rejects a target class the model was not trained on.
func (s Signatures) Validate(label string) error {
	if label == "" {
		return errors.New(errors.ErrorTypeClassification, "no classification found")
	}
	if !s.Contains(label) {
		return errors.Newf(errors.ErrorTypeClassification,
			"unknown classification: %s", label)
	}
	return nil
}
