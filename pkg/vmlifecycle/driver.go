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

// Package vmlifecycle manages the disposable sandbox VM fleet: snapshot
// reverts, boots and the per-assignment recycle discipline. Hypervisors are
// abstracted behind Driver; drivers share no state and are safe to call
// concurrently.
package vmlifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/jordigilh/gimc/internal/errors"
)

// Driver is the hypervisor abstraction. All operations are synchronous at
// this level; asynchrony lives in the Manager, and each driver wraps its
// shell-outs in the shared retry policy (withRetry).
type Driver interface {
	// Revert restores vm to the named snapshot.
	Revert(ctx context.Context, vm, snapshot string) error
	// Start boots vm if not running and waits until it is enumerable.
	Start(ctx context.Context, vm string) error
	// ListRunning enumerates running VMs at the hypervisor level.
	ListRunning(ctx context.Context) (map[string]bool, error)
	// Destroy force powers-off vm.
	Destroy(ctx context.Context, vm string) error
}

// ProviderLibvirt and ProviderVMware select a driver in configuration.
const (
	ProviderLibvirt = "libvirt"
	ProviderVMware  = "vmware"
)

// NewDriver constructs the driver named by the provider tag.
func NewDriver(provider string) (Driver, error) {
	switch provider {
	case ProviderLibvirt:
		return NewLibvirtDriver(), nil
	case ProviderVMware:
		return NewVMwareDriver(), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown VM provider: %s", provider)
	}
}

// runCommand executes a hypervisor CLI and returns its stdout. Swappable in
// tests.
type runCommand func(ctx context.Context, name string, args ...string) (string, error)

func execCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

const (
	shellOutTimeout = 30 * time.Second
	startDeadline   = 5 * time.Minute
	startPollEvery  = time.Second
	maxAttempts     = 3
)

// withRetry wraps a hypervisor shell-out with the shared retry policy.
func withRetry(ctx context.Context, operation string, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errors.NewHypervisorError(operation, err)
	}
	return nil
}

// waitRunning polls ListRunning until vm appears or the deadline passes.
func waitRunning(ctx context.Context, d Driver, vm string) error {
	deadline := time.Now().Add(startDeadline)
	for {
		running, err := d.ListRunning(ctx)
		if err == nil && running[vm] {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Newf(errors.ErrorTypeHypervisor,
				"VM %s did not reach running state", vm)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startPollEvery):
		}
	}
}

// waitStopped polls ListRunning until vm disappears or the deadline passes.
func waitStopped(ctx context.Context, d Driver, vm string) error {
	deadline := time.Now().Add(startDeadline)
	for {
		running, err := d.ListRunning(ctx)
		if err == nil && !running[vm] {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Newf(errors.ErrorTypeHypervisor,
				"VM %s did not stop", vm)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startPollEvery):
		}
	}
}
