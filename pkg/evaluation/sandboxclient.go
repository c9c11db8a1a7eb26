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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
	sharedhttp "github.com/jordigilh/gimc/pkg/shared/http"
)

// SandboxClient dispatches analysis requests to the sandbox service. Calls
// run behind a circuit breaker so a down sandbox degrades to fast failures
// instead of piling up handler goroutines.
type SandboxClient struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewSandboxClient(baseURL, token string, logger *zap.Logger) *SandboxClient {
	settings := gobreaker.Settings{
		Name: "sandbox-service",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sandbox circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &SandboxClient{
		baseURL: baseURL,
		token:   token,
		client:  sharedhttp.NewClient(sharedhttp.SandboxClientConfig()),
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// SubmitAnalysis queues a dynamic analysis for an already-stored sample and
// returns the new analysis id.
func (c *SandboxClient) SubmitAnalysis(ctx context.Context, sampleSHA256 string) (int64, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/submit/analysis/%s", c.baseURL, sampleSHA256)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, body)
		}

		var parsed struct {
			AnalysisID int64 `json:"analysis_id"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("malformed sandbox response: %w", err)
		}
		return parsed.AnalysisID, nil
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeNetwork, "failed to dispatch analysis")
	}
	return result.(int64), nil
}
