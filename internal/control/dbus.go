package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// Well-known D-Bus identifiers for the control plane. tpm2-abrmd's real
// service uses the com.intel.tss2.Tabrmd namespace for the same three
// operations (CreateConnection, Cancel, SetLocality); this broker keeps
// that method surface but serves it under its own name.
const (
	// ServiceName is the well-known bus name this daemon requests.
	ServiceName = "com.example.TPM2.Tabrmd1"

	// ObjectPath is the single object every control-plane method is
	// exported on.
	ObjectPath = dbus.ObjectPath("/com/example/TPM2/Tabrmd")

	// InterfaceName is the D-Bus interface the exported methods belong
	// to, and the namespace used for error names.
	InterfaceName = "com.example.TPM2.Tabrmd1"
)

// Bus selects which D-Bus bus the control plane binds to.
type Bus string

const (
	// BusSystem is the system bus, the conventional placement for a
	// privileged, host-wide daemon.
	BusSystem Bus = "system"
	// BusSession is the per-user session bus, useful for development and
	// for deployments where each user runs their own broker instance.
	BusSession Bus = "session"
)

// Service is the thin D-Bus adapter over Handlers: it owns the bus
// connection and bus name, and translates each exported method call into
// a call on Handlers, and each resulting error into a named D-Bus error.
type Service struct {
	handlers *Handlers
	conn     *dbus.Conn
	logger   *slog.Logger
}

// NewService connects to the selected bus, exports the control-plane
// methods, and requests ServiceName. It does not wait for the InitBarrier
// to open; Handlers itself blocks each call on the barrier, so the bus
// name can be claimed as soon as the daemon starts without racing
// pipeline construction.
func NewService(handlers *Handlers, bus Bus, logger *slog.Logger) (*Service, error) {
	var conn *dbus.Conn
	var err error
	switch bus {
	case BusSystem:
		conn, err = dbus.ConnectSystemBus()
	case BusSession, "":
		conn, err = dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("control: unknown bus selector %q", bus)
	}
	if err != nil {
		return nil, fmt.Errorf("control: connect dbus: %w", err)
	}

	svc := &Service{handlers: handlers, conn: conn, logger: logger}

	if err := conn.Export(svc, ObjectPath, InterfaceName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("control: export methods: %w", err)
	}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("control: request bus name %s: %w", ServiceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("control: bus name %s already owned by another process", ServiceName)
	}

	return svc, nil
}

// CreateConnection is exported over D-Bus. godbus marshals the returned
// dbus.UnixFD values as SCM_RIGHTS ancillary data on the reply, matching
// the "file descriptors are transferred out-of-band" requirement of the
// control surface.
func (s *Service) CreateConnection() (dbus.UnixFD, dbus.UnixFD, uint64, *dbus.Error) {
	res, err := s.handlers.CreateConnection(context.Background())
	if err != nil {
		return 0, 0, 0, toDBusError(err)
	}
	return dbus.UnixFD(res.CommandFD), dbus.UnixFD(res.ResponseFD), res.SessionID, nil
}

// Cancel is exported over D-Bus. On success it replies with rc 0
// (TPM2_RC_SUCCESS).
func (s *Service) Cancel(id uint64) (uint32, *dbus.Error) {
	if err := s.handlers.Cancel(context.Background(), id); err != nil {
		return 0, toDBusError(err)
	}
	return 0, nil
}

// SetLocality is exported over D-Bus. On success it replies with rc 0
// (TPM2_RC_SUCCESS).
func (s *Service) SetLocality(id uint64, locality byte) (uint32, *dbus.Error) {
	if err := s.handlers.SetLocality(context.Background(), id, locality); err != nil {
		return 0, toDBusError(err)
	}
	return 0, nil
}

// Close releases the bus name and closes the connection.
func (s *Service) Close() error {
	_, _ = s.conn.ReleaseName(ServiceName)
	return s.conn.Close()
}

func toDBusError(err error) *dbus.Error {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return dbus.NewError(InterfaceName+".Error.UnknownSession", []interface{}{err.Error()})
	case errors.Is(err, ErrNothingToCancel):
		return dbus.NewError(InterfaceName+".Error.NothingToCancel", []interface{}{err.Error()})
	case errors.Is(err, ErrResourceExhausted):
		return dbus.NewError(InterfaceName+".Error.ResourceExhausted", []interface{}{err.Error()})
	case errors.Is(err, ErrShuttingDown):
		return dbus.NewError(InterfaceName+".Error.ShuttingDown", []interface{}{err.Error()})
	default:
		return dbus.NewError(InterfaceName+".Error.Internal", []interface{}{err.Error()})
	}
}
