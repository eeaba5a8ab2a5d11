// Package reconcile orchestrates the device lifecycle: it restores and
// repairs state across the durable stores and the live gadget tree, and
// executes operator commands against all of them.
package reconcile

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/Lysandre0/virtusb/internal/config"
	"github.com/Lysandre0/virtusb/internal/gadget"
	"github.com/Lysandre0/virtusb/internal/store"
	"github.com/Lysandre0/virtusb/internal/tools"
)

// Session owns every store and controller for one invocation. The slot pool
// and gadget tree are host-wide shared state, so a session must hold the
// exclusive invocation lock for the whole restore+command cycle.
type Session struct {
	meta    *store.MetadataStore
	images  *store.ImageStore
	enabled *store.EnabledSet
	ctrl    *gadget.Controller
	slots   *gadget.SlotAllocator
	lock    *flock.Flock
}

// NewSession wires a session from runtime configuration.
func NewSession(cfg config.Config) (*Session, error) {
	meta, err := store.NewMetadataStore(cfg.MetadataDir)
	if err != nil {
		return nil, err
	}
	images, err := store.NewImageStore(cfg.ImageDir)
	if err != nil {
		return nil, err
	}
	enabled, err := store.NewEnabledSet(cfg.EnabledFile)
	if err != nil {
		return nil, err
	}
	ctrl := gadget.NewController(cfg.ConfigfsDir, cfg.GadgetModule, tools.ExecRunner{})
	enum := gadget.SysfsEnumerator{Root: gadget.DefaultSysfsUSBDir}
	slots := gadget.NewSlotAllocator(cfg.UDCDir, ctrl, enum, cfg.SettleDelay, cfg.VerifyWindow)

	return &Session{
		meta:    meta,
		images:  images,
		enabled: enabled,
		ctrl:    ctrl,
		slots:   slots,
		lock:    flock.New(cfg.LockFile),
	}, nil
}

// Parts are explicit session collaborators, used by tests to substitute
// fakes for the enumeration and host-command boundaries.
type Parts struct {
	Meta       *store.MetadataStore
	Images     *store.ImageStore
	Enabled    *store.EnabledSet
	Controller *gadget.Controller
	Slots      *gadget.SlotAllocator
	LockFile   string
}

// NewSessionFromParts wires a session from pre-built collaborators.
func NewSessionFromParts(p Parts) *Session {
	return &Session{
		meta:    p.Meta,
		images:  p.Images,
		enabled: p.Enabled,
		ctrl:    p.Controller,
		slots:   p.Slots,
		lock:    flock.New(p.LockFile),
	}
}

// Lock takes the exclusive invocation lock, blocking until it is free.
func (s *Session) Lock() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("invocation lock: %w", err)
	}
	return nil
}

// Unlock releases the invocation lock.
func (s *Session) Unlock() error {
	return s.lock.Unlock()
}
