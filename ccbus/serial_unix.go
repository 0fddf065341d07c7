//go:build linux

package ccbus

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// SerialBus is a Bus backed by a real tty device, opened in raw mode so
// neither the kernel line discipline nor local echo interferes with the
// half-duplex exchange the Transport implements in software.
type SerialBus struct {
	f *os.File
}

// OpenSerial opens path (e.g. "/dev/ttyUSB0") at the given baud rate and
// puts it into raw, non-canonical mode.
func OpenSerial(path string, baud int) (*SerialBus, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("ccbus: open serial port %s: %w", path, err)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ccbus: get termios: %w", err)
	}

	speed, err := baudConstant(baud)
	if err != nil {
		f.Close()
		return nil, err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	t.Ispeed = speed
	t.Ospeed = speed

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("ccbus: set termios: %w", err)
	}

	return &SerialBus{f: f}, nil
}

func (s *SerialBus) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *SerialBus) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *SerialBus) Close() error                { return s.f.Close() }

func (s *SerialBus) SetReadDeadline(t time.Time) error {
	return s.f.SetReadDeadline(t)
}

func baudConstant(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, fmt.Errorf("ccbus: unsupported baud rate %d", baud)
	}
}
