//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package ftpsession

import (
	"net"

	"golang.org/x/sys/unix"
)

// setThroughputTOS sets IP_TOS on an IPv4 socket.
func setThroughputTOS(c *net.TCPConn) error {
	if addr, ok := c.LocalAddr().(*net.TCPAddr); ok && addr.IP.To4() == nil {
		return nil
	}
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, iptosThroughput)
	})
	if err != nil {
		return err
	}
	return serr
}
