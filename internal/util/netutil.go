package util

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ListenFdsEnvKey names the environment variable that carries inherited
// listening socket descriptors, colon separated ("3:4").
const ListenFdsEnvKey = "LISTEN_FDS"

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// SetCloexec sets or clears the close-on-exec flag of fd.
func SetCloexec(fd uintptr, enabled bool) error {
	flags, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_GETFD, 0)
	if errno != 0 {
		return fmt.Errorf("fcntl F_GETFD failed: %w", errno)
	}
	if enabled {
		flags |= syscall.FD_CLOEXEC
	} else {
		flags &^= syscall.FD_CLOEXEC
	}
	if _, _, errno = syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_SETFD, flags); errno != 0 {
		return fmt.Errorf("fcntl F_SETFD failed: %w", errno)
	}
	return nil
}

// CreateListener binds a TCP listener on address.
func CreateListener(network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported", network)
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return l, nil
}

// ListenerFromFD wraps an inherited listening socket. The descriptor is
// marked close-on-exec so it does not leak into processes we spawn.
func ListenerFromFD(fd uintptr) (net.Listener, error) {
	if err := SetCloexec(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set FD_CLOEXEC on inherited FD %d: %w", fd, err)
	}
	file := os.NewFile(fd, fmt.Sprintf("inherited-listener-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("os.NewFile returned nil for FD %d", fd)
	}
	// FileListener dups the descriptor; the original is ours to close.
	defer file.Close()
	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create net.Listener from inherited FD %d: %w", fd, err)
	}
	return l, nil
}

// GetInheritedListeners returns listeners for every descriptor named in
// LISTEN_FDS, or nil when the variable is unset.
func GetInheritedListeners() ([]net.Listener, error) {
	fds, err := ParseInheritedListenerFDs(ListenFdsEnvKey)
	if err != nil || len(fds) == 0 {
		return nil, err
	}
	listeners := make([]net.Listener, 0, len(fds))
	for _, fd := range fds {
		l, err := ListenerFromFD(fd)
		if err != nil {
			for _, prev := range listeners {
				prev.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// ParseInheritedListenerFDs parses the colon separated descriptor list in
// envVarName.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}
	parts := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, p, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid negative FD number in environment variable %s (value: %q): %d", envVarName, fdsEnv, n)
		}
		fds = append(fds, uintptr(n))
	}
	return fds, nil
}

// IsAddrInUse reports whether err is an "address already in use" failure.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTemporaryAcceptError reports whether an Accept failure is worth
// retrying: descriptor exhaustion, aborted handshakes and timeouts.
func IsTemporaryAcceptError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ENOBUFS, syscall.ENOMEM} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// NextAcceptBackoff doubles prev within [5ms, 1s].
func NextAcceptBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minAcceptBackoff
	}
	next := prev * 2
	if next > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return next
}

// ResetOnClose sets SO_LINGER to zero so the next Close sends RST instead of
// FIN. Connections that are not TCP are left alone.
func ResetOnClose(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetLinger(0)
}

// Linger shuts down the write side of conn, then reads and discards input
// until the peer closes, timeout elapses or limit bytes were read. It returns
// the number of bytes discarded. Connections that cannot half-close are left
// alone. Closing a socket that still holds unread input sends RST, and the
// peer may then lose response bytes it has not read yet.
func Linger(conn net.Conn, timeout time.Duration, limit int64) (int64, error) {
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return 0, nil
	}
	if err := cw.CloseWrite(); err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := io.CopyN(io.Discard, conn, limit)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	if err == nil {
		return n, fmt.Errorf("peer sent more than %d bytes after the response", limit)
	}
	return n, err
}
