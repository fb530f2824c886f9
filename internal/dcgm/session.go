package dcgm

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// DefaultPort is the host engine port used when none is given.
const DefaultPort = 5555

// Mode is how a session reaches the daemon.
type Mode string

const (
	ModeEmbedded Mode = "embedded"
	ModeRemote   Mode = "remote"
)

// Option customises session construction.
type Option func(*options)

type options struct {
	libraryPath string
	logger      *slog.Logger
	groupPrefix string
	lib         library
}

// WithLibraryPath overrides the libdcgm path passed to dlopen.
func WithLibraryPath(path string) Option {
	return func(o *options) {
		o.libraryPath = path
	}
}

// WithLogger sets the logger used for non-fatal conditions and teardown.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithGroupPrefix sets the prefix of daemon-side field group names.
func WithGroupPrefix(prefix string) Option {
	return func(o *options) {
		o.groupPrefix = prefix
	}
}

func withLibrary(lib library) Option {
	return func(o *options) {
		o.lib = lib
	}
}

// Session owns exactly one daemon connection or embedded engine and every
// watch registered through it. A Session is not safe for concurrent use.
type Session struct {
	lib    library
	handle uintptr
	mode   Mode
	id     string
	logger *slog.Logger

	groupPrefix string
	initialized bool
	engineUp    bool

	watches    map[Category]*watchRegistration
	watchOrder []Category

	closed    bool
	closeOnce sync.Once
}

// OpenEmbedded starts an in-process engine in automatic mode and primes it
// with one blocking refresh. A failed initial refresh is only logged since
// the engine may not have data yet.
func OpenEmbedded(opts ...Option) (*Session, error) {
	s, err := newSession(ModeEmbedded, opts)
	if err != nil {
		return nil, err
	}

	handle, ret := s.lib.StartEmbedded(OperationModeAuto)
	if ret != StOK {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", ErrInitializationFailed, apiError("dcgmStartEmbedded", ret))
	}
	s.handle = handle
	s.engineUp = true

	if err := s.Refresh(true); err != nil {
		s.logger.Warn("initial field refresh failed", "err", err)
	}

	s.logger.Debug("session opened")
	return s, nil
}

// OpenRemote connects to a host engine at host:port. A zero port leaves the
// address as host so the daemon applies its default port.
func OpenRemote(host string, port int, opts ...Option) (*Session, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrConnectionFailed)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrConnectionFailed, port)
	}

	s, err := newSession(ModeRemote, opts)
	if err != nil {
		return nil, err
	}

	address := host
	if port != 0 {
		address = net.JoinHostPort(host, strconv.Itoa(port))
	}

	handle, ret := s.lib.Connect(address)
	if ret != StOK {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, address, apiError("dcgmConnect", ret))
	}
	s.handle = handle

	s.logger.Debug("session opened", "address", address)
	return s, nil
}

func newSession(mode Mode, opts []Option) (*Session, error) {
	o := options{groupPrefix: "dcgmtop"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	lib := o.lib
	if lib == nil {
		loaded, err := loadLibrary(o.libraryPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLibraryLoad, err)
		}
		lib = loaded
	}

	id := uuid.NewString()
	s := &Session{
		lib:         lib,
		mode:        mode,
		id:          id,
		logger:      o.logger.With("session_id", id, "mode", string(mode)),
		groupPrefix: o.groupPrefix,
		watches:     make(map[Category]*watchRegistration),
	}

	if ret := lib.Init(); ret != StOK {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", ErrInitializationFailed, apiError("dcgmInit", ret))
	}
	s.initialized = true
	return s, nil
}

// ID returns the random identifier attached to this session's log lines.
func (s *Session) ID() string { return s.id }

// Mode reports whether the session is embedded or remote.
func (s *Session) Mode() Mode { return s.mode }

// Refresh asks the daemon to update every watched field. With wait the call
// blocks until the update completes.
func (s *Session) Refresh(wait bool) error {
	if s.closed {
		return ErrClosed
	}
	if ret := s.lib.UpdateAllFields(s.handle, wait); ret != StOK {
		return apiError("dcgmUpdateAllFields", ret)
	}
	return nil
}

// ListDevices returns the GPU ids the daemon knows about, in daemon order.
func (s *Session) ListDevices() ([]uint, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var ids [MaxDevices]uint32
	count, ret := s.lib.GetAllDevices(s.handle, &ids)
	if ret != StOK {
		return nil, apiError("dcgmGetAllDevices", ret)
	}
	if count < 0 {
		count = 0
	}
	if count > MaxDevices {
		s.logger.Warn("device count exceeds buffer", "count", count, "max", MaxDevices)
		count = MaxDevices
	}

	devices := make([]uint, 0, count)
	for _, id := range ids[:count] {
		devices = append(devices, uint(id))
	}
	return devices, nil
}

// DeviceName returns the product name reported for a GPU.
func (s *Session) DeviceName(device uint) (string, error) {
	values, err := s.LatestValues(device, []FieldID{FieldDevName}, true)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", &FieldValueError{Context: "no device name data returned"}
	}
	name, ok := values[0].Value.Text()
	if !ok {
		return "", &FieldValueError{Context: fmt.Sprintf("device name blank for gpu %d", device)}
	}
	return name, nil
}

// Close releases watches, stops the embedded engine and shuts the binding
// down, in that order. Every step is attempted even if an earlier one
// fails; failures are logged. Close always returns nil and is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true

		s.releaseWatches()

		if s.mode == ModeEmbedded && s.engineUp {
			if ret := s.lib.StopEmbedded(s.handle); ret != StOK {
				s.logger.Warn("stop embedded engine failed", "status", ret.String())
			}
			s.engineUp = false
		}

		if s.initialized {
			if ret := s.lib.Shutdown(); ret != StOK {
				s.logger.Warn("shutdown failed", "status", ret.String())
			}
			s.initialized = false
		}

		if err := s.lib.Release(); err != nil {
			s.logger.Debug("release library failed", "err", err)
		}
		s.logger.Debug("session closed")
	})
	return nil
}
