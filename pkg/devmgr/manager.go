// Package devmgr is the BLE device manager: it turns per-event protocol
// stack callbacks into connection-parameter policy, bonded-device identity
// and a single normalised event stream for the application.
//
// A Manager is an explicitly owned context object. Stack callbacks must be
// delivered to the On* methods in the order the stack raised them; every
// method runs to completion on the calling goroutine.
package devmgr

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/internal/bonding"
	"github.com/srg/bledm/internal/events"
	"github.com/srg/bledm/internal/storage"
	"github.com/srg/bledm/pkg/config"
	"github.com/srg/bledm/pkg/connection"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
)

// Manager owns the connection registry, bonding store and event router of
// one protocol stack instance
type Manager struct {
	stack  stack.Stack
	logger *logrus.Logger

	registry   *connection.Registry
	arbitrator *connection.Arbitrator
	bonds      *bonding.Store
	router     *events.Router

	mu       sync.Mutex
	localIRK [16]byte
	closed   atomic.Bool
}

// New initialises a Manager. cfg may be nil for defaults; a policy in cfg is
// applied as if passed to Configure.
func New(cfg *config.Config, st stack.Stack, engine storage.Engine, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if st == nil {
		return nil, status.Errorf(status.InvalidParameter, "nil protocol stack")
	}
	if err := cfg.Validate(); err != nil {
		return nil, status.Errorf(status.InvalidParameter, "%v", err)
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	bonds, err := bonding.NewStore(engine, cfg.MaxPairedDevices, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		stack:    st,
		logger:   logger,
		registry: connection.NewRegistry(cfg.MaxConnections),
		bonds:    bonds,
	}
	m.router = events.NewRouter(cfg.MaxSubscribers, m.registry, logger)
	m.arbitrator = connection.NewArbitrator(m.registry, st, st, m.reportUpdate, logger)

	if cfg.LocalAddress != "" {
		local, err := gap.ParseAddress(cfg.LocalAddress, gap.AddrPublic)
		if err != nil {
			return nil, err
		}
		bonds.SetLocalIdentity(local)
	}
	if cfg.Policy != nil {
		if err := m.arbitrator.Configure(*cfg.Policy); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"max_connections":    cfg.MaxConnections,
		"max_paired_devices": cfg.MaxPairedDevices,
		"max_subscribers":    cfg.MaxSubscribers,
	}).Info("Device manager initialised")
	return m, nil
}

// Close shuts the manager down. Entry points then fail with
// status.CommandDisallowed and stack callbacks are ignored.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return status.Errorf(status.CommandDisallowed, "device manager already closed")
	}
	m.logger.Info("Device manager closed")
	return nil
}

func (m *Manager) ready() error {
	if m.closed.Load() {
		return status.Errorf(status.CommandDisallowed, "device manager closed")
	}
	return nil
}

// RegisterHandler subscribes h to device-manager events
func (m *Manager) RegisterHandler(h events.Handler) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.router.Register(h)
}

// Configure sets the acceptable connection-parameter policy and enables
// automatic replies to remote update requests
func (m *Manager) Configure(p connection.Policy) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.arbitrator.Configure(p)
}

// RequestUpdate starts a connection-parameter update. The outcome arrives as
// a ConnUpdateSuccess or ConnUpdateFail event.
func (m *Manager) RequestUpdate(handle gap.ConnHandle, params gap.ConnParams) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.arbitrator.RequestUpdate(handle, params)
}

// SetLocalIdentity sets the local identity address and IRK new bonds are bound to
func (m *Manager) SetLocalIdentity(addr gap.Address, irk [16]byte) {
	m.mu.Lock()
	m.localIRK = irk
	m.mu.Unlock()
	m.bonds.SetLocalIdentity(addr)
}

func (m *Manager) localIdentity() (gap.Address, [16]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bonds.LocalIdentity(), m.localIRK
}

// Connections returns the live connection slots
func (m *Manager) Connections() []connection.Slot {
	return m.registry.Connected()
}

// AutoReply reports whether remote update requests are answered automatically
func (m *Manager) AutoReply() bool {
	return m.arbitrator.AutoReply()
}

func (m *Manager) reportUpdate(r connection.UpdateResult) {
	typ := events.ConnUpdateSuccess
	if !r.Succeeded() {
		typ = events.ConnUpdateFail
	}
	m.router.Dispatch(events.Event{
		Type:       typ,
		ConnHandle: r.Handle,
		Status:     r.Status,
		Params:     r.Params,
	})
}
