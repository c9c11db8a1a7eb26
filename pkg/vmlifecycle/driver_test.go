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
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NewDriver", func() {
	It("should build the libvirt driver", func() {
		d, err := NewDriver(ProviderLibvirt)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(BeAssignableToTypeOf(&LibvirtDriver{}))
	})

	It("should build the vmware driver", func() {
		d, err := NewDriver(ProviderVMware)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(BeAssignableToTypeOf(&VMwareDriver{}))
	})

	It("should reject unknown providers", func() {
		_, err := NewDriver("hyperv")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("LibvirtDriver", func() {
	var (
		driver *LibvirtDriver
		calls  []string
	)

	BeforeEach(func() {
		driver = NewLibvirtDriver()
		calls = nil
	})

	It("should parse virsh list output", func() {
		driver.run = func(_ context.Context, name string, args ...string) (string, error) {
			calls = append(calls, name+" "+strings.Join(args, " "))
			return " win10-build-01\n win10-analysis-01\n\n", nil
		}

		running, err := driver.ListRunning(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(running).To(HaveLen(2))
		Expect(running["win10-build-01"]).To(BeTrue())
		Expect(running["win10-analysis-01"]).To(BeTrue())
		Expect(calls).To(ConsistOf("virsh list --state-running --name"))
	})

	It("should issue snapshot-revert", func() {
		driver.run = func(_ context.Context, name string, args ...string) (string, error) {
			calls = append(calls, name+" "+strings.Join(args, " "))
			return "", nil
		}

		Expect(driver.Revert(context.Background(), "win10-build-01", "base")).To(Succeed())
		Expect(calls).To(ConsistOf("virsh snapshot-revert win10-build-01 base"))
	})

	It("should retry failed reverts before giving up", func() {
		attempts := 0
		driver.run = func(_ context.Context, _ string, _ ...string) (string, error) {
			attempts++
			return "", fmt.Errorf("transient hypervisor failure")
		}

		err := driver.Revert(context.Background(), "win10-build-01", "base")
		Expect(err).To(HaveOccurred())
		Expect(attempts).To(Equal(maxAttempts))
	})

	It("should treat an already running domain as started", func() {
		driver.run = func(_ context.Context, name string, args ...string) (string, error) {
			if args[0] == "list" {
				return " win10-build-01\n", nil
			}
			return "", fmt.Errorf("error: Domain is already active")
		}

		Expect(driver.Start(context.Background(), "win10-build-01")).To(Succeed())
	})
})

var _ = Describe("VMwareDriver", func() {
	var driver *VMwareDriver

	BeforeEach(func() {
		driver = NewVMwareDriver()
	})

	It("should skip the vmrun list banner line", func() {
		driver.run = func(_ context.Context, name string, args ...string) (string, error) {
			return "Total running VMs: 2\n/vms/win10-build-01.vmx\n/vms/win10-analysis-01.vmx\n", nil
		}

		running, err := driver.ListRunning(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(running).To(HaveLen(2))
		Expect(running["/vms/win10-build-01.vmx"]).To(BeTrue())
	})

	It("should start VMs headless", func() {
		var call string
		driver.run = func(_ context.Context, name string, args ...string) (string, error) {
			if args[2] == "list" {
				// Second list call reports the VM running.
				if call != "" {
					return "Total running VMs: 1\n/vms/a.vmx\n", nil
				}
				return "Total running VMs: 0\n", nil
			}
			call = name + " " + strings.Join(args, " ")
			return "", nil
		}

		Expect(driver.Start(context.Background(), "/vms/a.vmx")).To(Succeed())
		Expect(call).To(Equal("vmrun -T ws start /vms/a.vmx nogui"))
	})
})
