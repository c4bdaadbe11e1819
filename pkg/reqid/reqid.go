// Package reqid generates short, process-unique request identifiers
// for correlating log lines across a single HTTP request's lifetime.
package reqid

import (
	"strconv"
	"sync/atomic"
	"time"
)

var counter uint64

// NextRequestID returns a process-unique request ID of the form
// "<time-part>-<counter>": the time part is the current UnixNano modulo
// 1e6 in base 36, and the counter increases by one on every call.
func NextRequestID() string {
	n := atomic.AddUint64(&counter, 1)
	return strconv.FormatInt(time.Now().UnixNano()%1_000_000, 36) + "-" + strconv.FormatUint(n, 36)
}
