package pool

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
)

var ErrPortExhausted = errors.New("pool: no available port")

const (
	portRangeStart = 20000
	portRangeEnd   = 40000
)

var portCounter uint32

// findAvailablePort draws candidates from a wrapping counter over the fixed
// range and bind-probes each on loopback. The probe is authoritative at probe
// time only: the port can be taken between release and instance startup, and
// a startup failure is recycled by the pool rather than retried here.
func findAvailablePort(maxAttempts int) (int, error) {
	for i := 0; i < maxAttempts; i++ {
		n := atomic.AddUint32(&portCounter, 1)
		port := portRangeStart + int(n%uint32(portRangeEnd-portRangeStart))
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, ErrPortExhausted
}
