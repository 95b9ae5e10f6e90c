package bus

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets listeners rebind their well-known ports immediately after
// a restart and lets per-send sockets share ephemeral ranges.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
