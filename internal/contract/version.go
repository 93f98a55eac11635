package contract

import (
	"strconv"
	"strings"
)

// VersionCompatible reports whether executorVersion meets minVersion. Both
// compare by the integer after the last "v" in the string, so "extractor-v10"
// and "v10" compare equal. Malformed versions never pass.
func VersionCompatible(executorVersion, minVersion string) bool {
	ev, ok := versionNumber(executorVersion)
	if !ok {
		return false
	}
	mv, ok := versionNumber(minVersion)
	if !ok {
		return false
	}
	return ev >= mv
}

// Compatible reports whether an executor at the given version may serve this
// contract: at least MinVersion and no newer than the contract itself.
func (c *Contract) Compatible(executorVersion string) bool {
	ev, ok := versionNumber(executorVersion)
	if !ok {
		return false
	}
	mv, okMin := versionNumber(c.MinVersion)
	cv, okCur := versionNumber(c.Version)
	if !okMin || !okCur {
		return false
	}
	return ev >= mv && ev <= cv
}

func versionNumber(v string) (int, bool) {
	i := strings.LastIndexByte(v, 'v')
	if i < 0 || i == len(v)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
