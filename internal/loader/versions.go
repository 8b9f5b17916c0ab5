package loader

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// compareVersions orders loader versions. Semantic versions compare with
// semver rules; anything else (four-part Forge builds) compares numerically
// part by part.
func compareVersions(a, b string) int {
	va, vb := "v"+a, "v"+b
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}

	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var sa, sb string
		if i < len(pa) {
			sa = pa[i]
		}
		if i < len(pb) {
			sb = pb[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				return compareInt(na, nb)
			}
		case sa != sb:
			return strings.Compare(sa, sb)
		}
	}
	return 0
}

func compareInt(a, b int) int {
	if a < b {
		return -1
	}
	return 1
}

// newest returns the highest version of list, or "" when empty.
func newest(list []string) string {
	if len(list) == 0 {
		return ""
	}
	sorted := append([]string(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareVersions(sorted[i], sorted[j]) > 0
	})
	return sorted[0]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
