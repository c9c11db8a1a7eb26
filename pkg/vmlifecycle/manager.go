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
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/pkg/models"
)

// Manager supervises one service's VM pool. It owns the recycle discipline:
// after an assignment terminates, the VM is reverted to its snapshot and
// restarted before it may receive work again. Concurrent recycle requests
// for one VM collapse into a single in-flight operation.
type Manager struct {
	driver Driver
	logger *zap.Logger

	mu   sync.Mutex
	vms  map[string]models.VM
	busy map[string]bool // mid-recycle, must not receive work
	down map[string]bool // repeated hypervisor failures, out of the pool

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewManager builds a manager over the given pool.
func NewManager(driver Driver, pool []models.VM, logger *zap.Logger) *Manager {
	vms := make(map[string]models.VM, len(pool))
	for _, vm := range pool {
		vms[vm.Name] = vm
	}
	return &Manager{
		driver: driver,
		logger: logger,
		vms:    vms,
		busy:   make(map[string]bool),
		down:   make(map[string]bool),
	}
}

// InitializeFleet reverts and starts every configured VM in parallel. The
// service must not accept work until this returns.
func (m *Manager) InitializeFleet(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	m.mu.Lock()
	pool := make([]models.VM, 0, len(m.vms))
	for _, vm := range m.vms {
		pool = append(pool, vm)
	}
	m.mu.Unlock()

	for _, vm := range pool {
		g.Go(func() error {
			if err := m.recycleSync(gctx, vm); err != nil {
				return err
			}
			m.logger.Info("VM initialized", zap.String("vm", vm.Name))
			return nil
		})
	}
	return g.Wait()
}

// Available reports whether the named VM may receive work: configured, not
// mid-recycle, not dropped from the pool.
func (m *Manager) Available(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, configured := m.vms[name]
	return configured && !m.busy[name] && !m.down[name]
}

// Recycle schedules an asynchronous revert+start of the named VM. It
// returns immediately; the VM is unavailable until the sequence completes.
// Unknown names are ignored with a log line so a bad row cannot wedge the
// watchdog.
func (m *Manager) Recycle(name string) {
	m.mu.Lock()
	vm, ok := m.vms[name]
	if !ok {
		m.mu.Unlock()
		m.logger.Error("recycle requested for unconfigured VM", zap.String("vm", name))
		return
	}
	m.busy[name] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, err, _ := m.group.Do(name, func() (interface{}, error) {
			return nil, m.recycleSync(context.Background(), vm)
		})

		m.mu.Lock()
		m.busy[name] = false
		if err != nil {
			m.down[name] = true
		} else {
			delete(m.down, name)
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("VM recycle failed, dropping from pool until manual recovery",
				zap.String("vm", name), zap.Error(err))
		} else {
			m.logger.Info("VM recycled", zap.String("vm", name))
		}
	}()
}

// Release marks a VM ready without a revert, for agents that declare
// clean=true on completion.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy[name] = false
}

// Destroy force powers-off a VM and drops it from the usable pool.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	m.mu.Lock()
	_, ok := m.vms[name]
	m.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("vm")
	}
	if err := m.driver.Destroy(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	m.down[name] = true
	m.mu.Unlock()
	return nil
}

// Wait blocks until all in-flight recycle operations finish. Test and
// shutdown hook.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) recycleSync(ctx context.Context, vm models.VM) error {
	if err := m.driver.Revert(ctx, vm.Name, vm.Snapshot); err != nil {
		return err
	}
	return m.driver.Start(ctx, vm.Name)
}
