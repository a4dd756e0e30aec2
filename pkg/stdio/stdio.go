package stdio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrEOF reports that a read returned zero bytes because the peer closed
// its end of the fd. Spec §4.5: "Length 0 is reported as an EOF core
// error (peer closed)."
var ErrEOF = errors.New("eof")

// Write writes data to fd once. On EAGAIN it reports zero bytes and no
// error (spec §4.5) rather than surfacing EAGAIN as a failure; callers must
// loop on a short write, since this never retries internally.
func Write(fd *os.File, data []byte) (int, error) {
	n, err := unix.Write(int(fd.Fd()), data)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("write: %w", err)
	}
	return n, nil
}

// Read reads at most len bytes from fd in a single syscall. EAGAIN returns
// an empty, successful read (spec §4.5); a zero-length successful read
// (peer closed) is reported as ErrEOF.
func Read(fd *os.File, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	n, err := unix.Read(int(fd.Fd()), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return nil, ErrEOF
	}

	return buf[:n], nil
}

// Resize issues TIOCSWINSZ against the pty master fd.
func Resize(termMaster *os.File, rows, cols uint16) error {
	winsize := &unix.Winsize{Row: rows, Col: cols}
	if err := unix.IoctlSetWinsize(int(termMaster.Fd()), unix.TIOCSWINSZ, winsize); err != nil {
		return fmt.Errorf("ioctl TIOCSWINSZ: %w", err)
	}
	return nil
}
