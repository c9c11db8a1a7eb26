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

// Package config loads the shared settings.json consumed by every process in
// the pipeline. The file is the single source of configuration; a small set
// of environment variables override individual values for deployment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jordigilh/gimc/pkg/models"
)

// PoolBuild and PoolAnalysis partition the VM fleet. A VM belongs to exactly
// one pool; checkin requests are matched against the caller service's pool.
const (
	PoolBuild    = "build"
	PoolAnalysis = "analysis"
)

// VMEntry is one configured virtual machine with its pool membership.
type VMEntry struct {
	models.VM
	Pool string `json:"pool" validate:"required,oneof=build analysis"`
}

// ServiceConfig is one launcher entry: where a service binds plus any
// service-specific settings.
type ServiceConfig struct {
	Interface string `json:"interface"`
	Port      int    `json:"port"`

	// Classifier-monitor only.
	Classifier   string `json:"classifier,omitempty"`
	Tokenizer    string `json:"tokenizer,omitempty"`
	Signatures   string `json:"signatures,omitempty"`
	PollInterval int    `json:"poll_interval,omitempty"`
}

// Config is the parsed settings.json.
type Config struct {
	DatabaseURI      string                   `json:"sqlalchemy_database_uri" validate:"required"`
	SandboxToken     string                   `json:"sandbox_token" validate:"required"`
	DataPath         string                   `json:"data_path" validate:"required"`
	EvaluationServer string                   `json:"evaluation_server"`
	SandboxURL       string                   `json:"sandbox_url"`
	Launcher         map[string]ServiceConfig `json:"launcher"`
	VMs              []VMEntry                `json:"VMS" validate:"required,min=1,dive"`
	VMProvider       string                   `json:"VM_PROVIDER" validate:"required,oneof=libvirt vmware"`
	VMTimeoutSec     int                      `json:"VM_TIMEOUT" validate:"required,gt=0"`
}

// VMTimeout returns the agent keepalive deadline.
func (c *Config) VMTimeout() time.Duration {
	return time.Duration(c.VMTimeoutSec) * time.Second
}

// Pool returns the VMs belonging to the named pool.
func (c *Config) Pool(pool string) []models.VM {
	var vms []models.VM
	for _, vm := range c.VMs {
		if vm.Pool == pool {
			vms = append(vms, vm.VM)
		}
	}
	return vms
}

// VMByIP resolves a VM in the given pool by its management IP. Used by the
// checkin endpoints to authenticate callers by source address.
func (c *Config) VMByIP(pool, ip string) (models.VM, bool) {
	for _, vm := range c.VMs {
		if vm.Pool == pool && vm.IP == ip {
			return vm.VM, true
		}
	}
	return models.VM{}, false
}

// VMByName resolves any configured VM by name.
func (c *Config) VMByName(name string) (models.VM, bool) {
	for _, vm := range c.VMs {
		if vm.Name == name {
			return vm.VM, true
		}
	}
	return models.VM{}, false
}

// Load reads and validates a settings file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(config); err != nil {
		return nil, err
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func loadFromEnv(config *Config) error {
	if v := os.Getenv("GIMC_DATABASE_URI"); v != "" {
		config.DatabaseURI = v
	}
	if v := os.Getenv("GIMC_SANDBOX_TOKEN"); v != "" {
		config.SandboxToken = v
	}
	if v := os.Getenv("GIMC_DATA_PATH"); v != "" {
		config.DataPath = v
	}
	if v := os.Getenv("GIMC_VM_TIMEOUT"); v != "" {
		timeout, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GIMC_VM_TIMEOUT %q: %w", v, err)
		}
		config.VMTimeoutSec = timeout
	}
	return nil
}

func validate(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]string, len(config.VMs))
	for _, vm := range config.VMs {
		if pool, ok := seen[vm.Name]; ok && pool != vm.Pool {
			return fmt.Errorf("VM %s appears in both pools; pools must be disjoint", vm.Name)
		}
		seen[vm.Name] = vm.Pool
	}
	return nil
}
