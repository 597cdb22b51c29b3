//go:build !unix

package sockopts

import "syscall"

func checkReusePortSupported() error {
	return &UnsupportedError{"ReusePort"}
}

func controlReusePort(network, address string, c syscall.RawConn) error {
	return checkReusePortSupported()
}
