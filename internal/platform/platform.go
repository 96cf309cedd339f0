// Package platform collects the host facts the daemon reports to
// clients: OS, version, and whether it is running inside a virtual
// machine (clients treat a VM like a simulator for trust decisions).
package platform

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// Info describes the host environment.
type Info struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Version     string `json:"version"`
	Virtualized bool   `json:"virtualized"`
	Hypervisor  string `json:"hypervisor"` // "none", "vmware", "hyperv", "kvm", "xen", "parallels", "virtualbox", "unknown"
}

var (
	collectOnce sync.Once
	collected   Info
)

// Collect gathers host facts. The result is cached; the answers cannot
// change while the process runs.
func Collect() Info {
	collectOnce.Do(func() {
		info := Info{
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			Version:    osVersion(),
			Hypervisor: "none",
		}
		detectVirtualization(&info)
		collected = info
	})
	return collected
}

// Simulator reports whether the host should be treated as a simulated
// environment.
func Simulator() bool {
	info := Collect()
	return info.Virtualized
}

func osVersion() string {
	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
			return strings.TrimSpace(string(data))
		}
	case "darwin":
		if out, err := exec.Command("sw_vers", "-productVersion").Output(); err == nil {
			return strings.TrimSpace(string(out))
		}
	case "windows":
		if out, err := exec.Command("cmd", "/c", "ver").Output(); err == nil {
			return strings.TrimSpace(string(out))
		}
	}
	return "unknown"
}

// detectVirtualization checks if running in a virtual machine.
func detectVirtualization(info *Info) {
	switch runtime.GOOS {
	case "linux":
		// Check DMI
		if data, err := os.ReadFile("/sys/class/dmi/id/product_name"); err == nil {
			product := strings.ToLower(string(data))
			switch {
			case strings.Contains(product, "vmware"):
				info.Virtualized = true
				info.Hypervisor = "vmware"
			case strings.Contains(product, "virtual"):
				info.Virtualized = true
				info.Hypervisor = "hyperv"
			case strings.Contains(product, "kvm"):
				info.Virtualized = true
				info.Hypervisor = "kvm"
			case strings.Contains(product, "xen"):
				info.Virtualized = true
				info.Hypervisor = "xen"
			}
		}

		// Check cpuinfo for hypervisor flag
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			if strings.Contains(string(data), "hypervisor") {
				info.Virtualized = true
				if info.Hypervisor == "none" {
					info.Hypervisor = "unknown"
				}
			}
		}

	case "darwin":
		if out, err := exec.Command("sysctl", "-n", "machdep.cpu.features").Output(); err == nil {
			if strings.Contains(string(out), "VMM") {
				info.Virtualized = true
				info.Hypervisor = "unknown"
			}
		}
		if out, err := exec.Command("ioreg", "-l").Output(); err == nil {
			outStr := strings.ToLower(string(out))
			switch {
			case strings.Contains(outStr, "vmware"):
				info.Virtualized = true
				info.Hypervisor = "vmware"
			case strings.Contains(outStr, "parallels"):
				info.Virtualized = true
				info.Hypervisor = "parallels"
			case strings.Contains(outStr, "virtualbox"):
				info.Virtualized = true
				info.Hypervisor = "virtualbox"
			}
		}
	}
}
