// Package platform describes the host in the vocabulary used by version
// manifests and runtime catalogs.
package platform

import (
	"runtime"
	"strings"
)

// Operating system names as they appear in manifest rules.
const (
	OSLinux   = "linux"
	OSMac     = "osx"
	OSWindows = "windows"
	OSFreeBSD = "freebsd"
)

// Architecture names as they appear in manifest rules.
const (
	ArchX86    = "x86"
	ArchX86_64 = "x86_64"
	ArchArm64  = "arm64"
	ArchArm32  = "arm32"
)

// Platform is an operating system and CPU architecture pair. Version is the
// OS release string and is only consulted by rules that constrain it.
type Platform struct {
	OS      string
	Arch    string
	Version string
}

// Current returns the platform the process is running on.
func Current() Platform {
	return FromGo(runtime.GOOS, runtime.GOARCH)
}

// FromGo maps GOOS/GOARCH values to manifest names.
func FromGo(goos, goarch string) Platform {
	p := Platform{OS: goos, Arch: goarch}

	switch goos {
	case "darwin":
		p.OS = OSMac
	case "linux":
		p.OS = OSLinux
	case "windows":
		p.OS = OSWindows
	case "freebsd":
		p.OS = OSFreeBSD
	}

	switch goarch {
	case "amd64":
		p.Arch = ArchX86_64
	case "386":
		p.Arch = ArchX86
	case "arm64":
		p.Arch = ArchArm64
	case "arm":
		p.Arch = ArchArm32
	}

	return p
}

// String returns "os-arch", the key used for caches and catalogs.
func (p Platform) String() string {
	return p.OS + "-" + p.Arch
}

// Is64Bit reports whether the architecture uses 64-bit pointers.
func (p Platform) Is64Bit() bool {
	return p.Arch == ArchX86_64 || p.Arch == ArchArm64
}

// BitnessSuffix is the value substituted for ${arch} in native classifiers.
func (p Platform) BitnessSuffix() string {
	if p.Is64Bit() {
		return "64"
	}
	return "32"
}

// ClasspathSeparator returns the separator the JVM expects in -cp.
func (p Platform) ClasspathSeparator() string {
	if p.OS == OSWindows {
		return ";"
	}
	return ":"
}

// ExecutableSuffix returns ".exe" on Windows.
func (p Platform) ExecutableSuffix() string {
	if p.OS == OSWindows {
		return ".exe"
	}
	return ""
}

// MatchesArch compares a rule architecture against the platform. Manifests
// are inconsistent about spelling, so common aliases are accepted.
func (p Platform) MatchesArch(arch string) bool {
	arch = strings.ToLower(arch)
	switch arch {
	case "x86_64", "amd64", "x64":
		return p.Arch == ArchX86_64
	case "x86", "i386", "i686":
		return p.Arch == ArchX86
	case "arm64", "aarch64":
		return p.Arch == ArchArm64
	case "arm32", "arm":
		return p.Arch == ArchArm32
	}
	return arch == p.Arch
}
