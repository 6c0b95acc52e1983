package ports

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shanemmattner/embedded-agent-bridge/internal/logger"
)

// RealSerial opens an actual serial device via termios ioctls.
// There is no maintained pure-Go serial library in the example pack;
// golang.org/x/sys/unix (a direct teacher dependency) is used directly
// for raw-mode configuration and modem control lines rather than
// introducing an unrelated dependency. See DESIGN.md.
type RealSerial struct {
	mu  sync.Mutex
	f   *os.File
	buf bytes.Buffer
}

func NewRealSerial() *RealSerial {
	return &RealSerial{}
}

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

func (s *RealSerial) Open(port string, baud int, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(port, os.O_RDWR|os.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return false
	}

	rate, ok := baudRates[baud]
	if !ok {
		rate = unix.B115200
	}

	termios, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		f.Close()
		return false
	}

	// Raw mode: no canonical processing, no echo, 8N1.
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 0
	setTermiosSpeed(termios, rate)

	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, termios); err != nil {
		f.Close()
		return false
	}

	s.f = f
	s.buf.Reset()
	return true
}

func (s *RealSerial) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}

func (s *RealSerial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f != nil
}

func (s *RealSerial) fill() {
	if s.f == nil {
		return
	}
	tmp := make([]byte, 4096)
	n, err := s.f.Read(tmp)
	if err != nil || n <= 0 {
		return
	}
	s.buf.Write(tmp[:n])
}

func (s *RealSerial) ReadLine() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill()

	b := s.buf.Bytes()
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return nil
	}
	line := make([]byte, idx)
	copy(line, b[:idx])
	s.buf.Next(idx + 1)
	return bytes.TrimRight(line, "\r")
}

func (s *RealSerial) ReadBytes(maxBytes int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxBytes <= 0 {
		return nil
	}
	s.fill()

	n := maxBytes
	if avail := s.buf.Len(); avail < n {
		n = avail
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	s.buf.Read(out)
	return out
}

func (s *RealSerial) Write(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0
	}
	n, err := s.f.Write(data)
	if err != nil {
		return 0
	}
	return n
}

func (s *RealSerial) BytesAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill()
	return s.buf.Len()
}

func (s *RealSerial) SetDTR(on bool) error {
	return s.setModemBit(unix.TIOCM_DTR, on)
}

func (s *RealSerial) SetRTS(on bool) error {
	return s.setModemBit(unix.TIOCM_RTS, on)
}

func (s *RealSerial) setModemBit(bit int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	fd := int(s.f.Fd())
	status, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return err
	}
	if on {
		status |= bit
	} else {
		status &^= bit
	}
	return unix.IoctlSetPointerInt(fd, unix.TIOCMSET, status)
}

func (s *RealSerial) ListPorts() []PortInfo {
	return listSerialPorts()
}

// listSerialPorts scans /dev for common serial device naming schemes
// across Linux (ttyUSB*, ttyACM*) and macOS (cu.usbmodem*, cu.usbserial*).
func listSerialPorts() []PortInfo {
	var out []PortInfo
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return out
	}
	prefixes := []string{"ttyUSB", "ttyACM", "cu.usbmodem", "cu.usbserial", "cu.SLAB", "cu.wchusbserial"}
	for _, e := range entries {
		name := e.Name()
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				out = append(out, PortInfo{
					Device:      filepath.Join("/dev", name),
					Description: name,
					HWID:        "",
				})
				break
			}
		}
	}
	return out
}

// slogLogger adapts the package-level slog logger (internal/logger) to
// the narrow Logger capability interface.
type slogLogger struct{ prefix string }

func NewSlogLogger(prefix string) Logger {
	return &slogLogger{prefix: prefix}
}

func (l *slogLogger) Debug(msg string) { logger.Debug(l.tag(msg)) }
func (l *slogLogger) Info(msg string)  { logger.Info(l.tag(msg)) }
func (l *slogLogger) Warn(msg string)  { logger.Warn(l.tag(msg)) }
func (l *slogLogger) Error(msg string) { logger.Error(l.tag(msg)) }

func (l *slogLogger) tag(msg string) string {
	if l.prefix == "" {
		return msg
	}
	return "[" + l.prefix + "] " + msg
}
