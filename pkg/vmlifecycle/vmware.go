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

// VMwareDriver drives VMs through the vmrun CLI (VMware Workstation on
// Linux). VM names are full paths to .vmx files. A revertToSnapshot leaves
// the VM powered off, so Revert waits for the stop and the Manager's
// revert+start sequence brings it back.
type VMwareDriver struct {
	run runCommand
}

func NewVMwareDriver() *VMwareDriver {
	return &VMwareDriver{run: execCommand}
}

func (d *VMwareDriver) Revert(ctx context.Context, vm, snapshot string) error {
	err := withRetry(ctx, "revertToSnapshot", func() error {
		cctx, cancel := context.WithTimeout(ctx, shellOutTimeout)
		defer cancel()
		_, err := d.run(cctx, "vmrun", "-T", "ws", "revertToSnapshot", vm, snapshot)
		return err
	})
	if err != nil {
		return err
	}
	return waitStopped(ctx, d, vm)
}

func (d *VMwareDriver) Start(ctx context.Context, vm string) error {
	running, err := d.ListRunning(ctx)
	if err == nil && running[vm] {
		return nil
	}
	err = withRetry(ctx, "start", func() error {
		cctx, cancel := context.WithTimeout(ctx, shellOutTimeout)
		defer cancel()
		_, startErr := d.run(cctx, "vmrun", "-T", "ws", "start", vm, "nogui")
		return startErr
	})
	if err != nil {
		return err
	}
	return waitRunning(ctx, d, vm)
}

func (d *VMwareDriver) ListRunning(ctx context.Context) (map[string]bool, error) {
	cctx, cancel := context.WithTimeout(ctx, shellOutTimeout)
	defer cancel()
	out, err := d.run(cctx, "vmrun", "-T", "ws", "list")
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool)
	lines := strings.Split(out, "\n")
	// First line is the "Total running VMs: N" banner.
	if len(lines) > 0 {
		lines = lines[1:]
	}
	for _, line := range lines {
		if name := strings.TrimSpace(line); name != "" {
			running[name] = true
		}
	}
	return running, nil
}

func (d *VMwareDriver) Destroy(ctx context.Context, vm string) error {
	return withRetry(ctx, "stop", func() error {
		cctx, cancel := context.WithTimeout(ctx, shellOutTimeout)
		defer cancel()
		_, err := d.run(cctx, "vmrun", "-T", "ws", "stop", vm, "hard")
		return err
	})
}

var _ Driver = (*VMwareDriver)(nil)
