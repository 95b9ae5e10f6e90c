package bus

import (
	"hash/fnv"
	"strconv"
)

// The bus multiplexes one UDP port per (channel, service-port) pair. All
// spans are fixed offsets from these bases; nothing else may bind inside
// a span.
const (
	BaseEventPort    = 10000
	BaseRulePort     = 20000
	BaseSyncPort     = 30000
	BaseConfirmPort  = 35000
	BaseShutdownPort = 39000
)

// EventPort returns the inbound token port for a channel/service pair.
func EventPort(channel, servicePort int) int {
	return BaseEventPort + channel*1000 + servicePort
}

// RulePort returns the inbound rule-payload port for a channel/service pair.
func RulePort(channel, servicePort int) int {
	return BaseRulePort + channel*1000 + servicePort
}

// SyncPort returns the synchronization port for a channel/service pair.
func SyncPort(channel, servicePort int) int {
	return BaseSyncPort + channel*100 + servicePort%100
}

// ConfirmPort returns the commit-ack port for a deploy of the given version.
func ConfirmPort(version string) int {
	return BaseConfirmPort + VersionOffset(version)
}

// ShutdownPort returns the shutdown-trigger port for a host of the given
// version.
func ShutdownPort(version string) int {
	n, _ := VersionNumber(version)
	return BaseShutdownPort + n
}

// VersionOffset maps a version string onto the commit-ack span: the numeric
// suffix when the version carries one, otherwise a stable hash folded into
// [1,100].
func VersionOffset(version string) int {
	if n, ok := VersionNumber(version); ok {
		return n
	}
	h := fnv.New32a()
	h.Write([]byte(version))
	return int(h.Sum32()%100) + 1
}

// VersionNumber extracts the trailing digit run of a version string, so
// "v023" yields 23. ok is false when the version ends without digits.
func VersionNumber(version string) (int, bool) {
	end := len(version)
	start := end
	for start > 0 && version[start-1] >= '0' && version[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(version[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
