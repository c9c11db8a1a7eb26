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

package vmlifecycle

import (
	"context"
	"strings"
)

// LibvirtDriver drives VMs through the virsh CLI.
type LibvirtDriver struct {
	run runCommand
}

func NewLibvirtDriver() *LibvirtDriver {
	return &LibvirtDriver{run: execCommand}
}

func (d *LibvirtDriver) Revert(ctx context.Context, vm, snapshot string) error {
	return withRetry(ctx, "snapshot-revert", func() error {
		cctx, cancel := context.WithTimeout(ctx, shellOutTimeout)
		defer cancel()
		_, err := d.run(cctx, "virsh", "snapshot-revert", vm, snapshot)
		return err
	})
}

func (d *LibvirtDriver) Start(ctx context.Context, vm string) error {
	running, err := d.ListRunning(ctx)
	if err == nil && running[vm] {
		return nil
	}
	err = withRetry(ctx, "start", func() error {
		cctx, cancel := context.WithTimeout(ctx, shellOutTimeout)
		defer cancel()
		_, startErr := d.run(cctx, "virsh", "start", vm)
		// virsh start fails on an already-running domain; treat as success.
		if startErr != nil && strings.Contains(startErr.Error(), "already active") {
			return nil
		}
		return startErr
	})
	if err != nil {
		return err
	}
	return waitRunning(ctx, d, vm)
}

func (d *LibvirtDriver) ListRunning(ctx context.Context) (map[string]bool, error) {
	cctx, cancel := context.WithTimeout(ctx, shellOutTimeout)
	defer cancel()
	out, err := d.run(cctx, "virsh", "list", "--state-running", "--name")
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			running[name] = true
		}
	}
	return running, nil
}

func (d *LibvirtDriver) Destroy(ctx context.Context, vm string) error {
	return withRetry(ctx, "destroy", func() error {
		cctx, cancel := context.WithTimeout(ctx, shellOutTimeout)
		defer cancel()
		_, err := d.run(cctx, "virsh", "destroy", vm)
		return err
	})
}

var _ Driver = (*LibvirtDriver)(nil)
