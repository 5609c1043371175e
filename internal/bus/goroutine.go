package bus

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the running goroutine's id from its stack
// trace header ("goroutine 123 [running]:"). Go has no public equivalent of
// threading.get_ident(), and the publish-blocking rule in Publish needs
// exactly that: a cheap way to tell "am I running on the mqtt client's own
// callback goroutine, or some other caller's". Parsing the trace is the
// standard workaround for that narrow need; it is never used as a general
// concurrency primitive here.
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}
	buf = buf[len(prefix):]
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
