// internal/link/port.go
package link

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"psu-service/internal/model"
)

// Sentinel errors returned by the link
var (
	ErrNotOpen        = errors.New("link: port not open")
	ErrQueueFull      = errors.New("link: command queue full")
	ErrAlreadyStarted = errors.New("link: already started")
	ErrStopped        = errors.New("link: stopped")
	ErrFlushTimeout   = errors.New("link: transmit flush timeout")
	ErrNoMatchRule    = errors.New("link: neither port name nor USB identifiers configured")
	ErrNoEnumerator   = errors.New("link: USB matching requires a port enumerator")
)

// Port is the subset of serial.Port the link needs
type Port interface {
	io.ReadWriteCloser
	Drain() error
	ResetInputBuffer() error
}

// Opener opens a port by name with the given mode
type Opener interface {
	Open(name string, mode *serial.Mode) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(name string, mode *serial.Mode) (Port, error)

// Open calls f(name, mode)
func (f OpenerFunc) Open(name string, mode *serial.Mode) (Port, error) {
	return f(name, mode)
}

// SerialOpener opens real serial ports
var SerialOpener Opener = OpenerFunc(func(name string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
})

// Enumerator lists the serial ports present on the host
type Enumerator interface {
	Ports() ([]*model.SerialPort, error)
}

// Recorder is the text log sink for link and protocol traffic
type Recorder interface {
	Record(ts time.Time, msg string)
	RecordData(ts time.Time, data []byte, length int, dir model.Direction)
}

// Observer receives lifecycle notifications, typically for metrics
type Observer interface {
	OnReconnectScheduled(attempt int, interval time.Duration)
	OnOpen(port string)
	OnOpenError(port string, err error)
	OnClose(port string, cause error)
}

// Handler is implemented by the layer built on top of the link. All methods are
// called from the link's loop goroutine.
type Handler interface {
	PortOpened(portName string)
	PortClosed(portName string)
	DataArrived(data []byte)
	DeadlineExpired()
}

// errorCode reduces an error to the key used for log de-duplication
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return fmt.Sprintf("serial:%d", portErr.Code())
	}
	return err.Error()
}

type nopRecorder struct{}

func (nopRecorder) Record(time.Time, string)                           {}
func (nopRecorder) RecordData(time.Time, []byte, int, model.Direction) {}

type nopObserver struct{}

func (nopObserver) OnReconnectScheduled(int, time.Duration) {}
func (nopObserver) OnOpen(string)                           {}
func (nopObserver) OnOpenError(string, error)               {}
func (nopObserver) OnClose(string, error)                   {}

type nopHandler struct{}

func (nopHandler) PortOpened(string)  {}
func (nopHandler) PortClosed(string)  {}
func (nopHandler) DataArrived([]byte) {}
func (nopHandler) DeadlineExpired()   {}
