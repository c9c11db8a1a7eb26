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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
)

// SubprocessConfig describes the external CNN inference process. The model
// weights and tokenizer live outside this repository; inference is bridged
// through a one-shot subprocess per report, the same way hypervisor
// operations are bridged through their CLIs.
type SubprocessConfig struct {
	// Command is the inference entrypoint, e.g. the python module wrapping
	// the trained checkpoint.
	Command        string
	CheckpointPath string
	TokenizerPath  string
	Signatures     Signatures
	VocabSize      int
	EmbedDim       int
	NumClasses     int
	Dropout        float64
	Timeout        time.Duration
}

// SubprocessClassifier shells out to the external model for each
// classification.
type SubprocessClassifier struct {
	config SubprocessConfig
	logger *zap.Logger
	run    func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// NewSubprocessClassifier builds the bridge. The command is invoked as:
//
//	<command> --checkpoint <path> --tokenizer <path> --signatures a,b,c
//	          --vocab-size N --embed-dim N --num-classes N --dropout F
//
// with a JSON request on stdin and a JSON probability map on stdout.
func NewSubprocessClassifier(config SubprocessConfig, logger *zap.Logger) *SubprocessClassifier {
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Minute
	}
	return &SubprocessClassifier{
		config: config,
		logger: logger,
		run:    runSubprocess,
	}
}

type inferenceRequest struct {
	Tokens []string `json:"tokens"`
}

type inferenceResponse struct {
	Probabilities map[string]float64 `json:"probabilities"`
}

func (c *SubprocessClassifier) Classify(ctx context.Context, tokens []string, targetClass string) (float64, error) {
	if err := c.config.Signatures.Validate(targetClass); err != nil {
		return 0, err
	}

	stdin, err := json.Marshal(inferenceRequest{Tokens: tokens})
	if err != nil {
		return 0, errors.NewClassificationError("failed to encode inference request", err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	args := []string{
		"--checkpoint", c.config.CheckpointPath,
		"--tokenizer", c.config.TokenizerPath,
		"--signatures", joinSignatures(c.config.Signatures),
		"--vocab-size", strconv.Itoa(c.config.VocabSize),
		"--embed-dim", strconv.Itoa(c.config.EmbedDim),
		"--num-classes", strconv.Itoa(c.config.NumClasses),
		"--dropout", strconv.FormatFloat(c.config.Dropout, 'f', -1, 64),
	}
	started := time.Now()
	stdout, err := c.run(cctx, stdin, c.config.Command, args...)
	if err != nil {
		return 0, errors.NewClassificationError("inference process failed", err)
	}

	var resp inferenceResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return 0, errors.NewClassificationError("malformed inference response", err)
	}
	p, ok := resp.Probabilities[targetClass]
	if !ok {
		return 0, errors.Newf(errors.ErrorTypeClassification,
			"inference response missing class %s", targetClass)
	}
	if p < 0 || p > 1 {
		return 0, errors.Newf(errors.ErrorTypeClassification,
			"probability %f out of range for class %s", p, targetClass)
	}

	c.logger.Debug("report classified",
		zap.String("class", targetClass),
		zap.Float64("probability", p),
		zap.Int("tokens", len(tokens)),
		zap.Duration("duration", time.Since(started)))
	return p, nil
}

func runSubprocess(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func joinSignatures(s Signatures) string {
	out := ""
	for i, sig := range s {
		if i > 0 {
			out += ","
		}
		out += sig
	}
	return out
}

var _ Classifier = (*SubprocessClassifier)(nil)
