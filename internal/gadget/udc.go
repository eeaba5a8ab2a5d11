package gadget

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Lysandre0/virtusb/internal/device"
)

// SlotAllocator assigns gadgets to the fixed pool of UDC slots. Free slots
// are derived on every call from the live bindings, never cached.
type SlotAllocator struct {
	udcDir string
	ctrl   *Controller
	enum   Enumerator
	settle time.Duration
	window time.Duration
}

// NewSlotAllocator returns an allocator over the UDC class directory.
func NewSlotAllocator(udcDir string, ctrl *Controller, enum Enumerator, settle, window time.Duration) *SlotAllocator {
	return &SlotAllocator{udcDir: udcDir, ctrl: ctrl, enum: enum, settle: settle, window: window}
}

// Pool enumerates every UDC slot the kernel exposes, lowest index first.
func (a *SlotAllocator) Pool() ([]string, error) {
	entries, err := os.ReadDir(a.udcDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Slice(names, func(i, j int) bool { return slotLess(names[i], names[j]) })
	return names, nil
}

// ListFree returns the pool minus every slot currently named by a live
// gadget's UDC attribute.
func (a *SlotAllocator) ListFree() ([]string, error) {
	pool, err := a.Pool()
	if err != nil {
		return nil, err
	}
	gadgets, err := a.ctrl.List()
	if err != nil {
		return nil, err
	}
	bound := make(map[string]struct{}, len(gadgets))
	for _, name := range gadgets {
		udc, err := a.ctrl.BoundUDC(name)
		if err != nil {
			return nil, err
		}
		if udc != "" {
			bound[udc] = struct{}{}
		}
	}
	free := make([]string, 0, len(pool))
	for _, slot := range pool {
		if _, taken := bound[slot]; !taken {
			free = append(free, slot)
		}
	}
	return free, nil
}

// Assign binds the gadget to the first free slot and verifies the device
// actually enumerated on the host bus. On verification failure the binding
// is reversed.
func (a *SlotAllocator) Assign(ctx context.Context, rec device.Record, name string) (string, error) {
	free, err := a.ListFree()
	if err != nil {
		return "", err
	}
	if len(free) == 0 {
		return "", fmt.Errorf("%w: all slots bound", device.ErrResourceExhausted)
	}
	slot := free[0]

	if err := a.ctrl.BindUDC(name, slot); err != nil {
		return "", fmt.Errorf("bind %q to %s: %w", name, slot, err)
	}
	if err := a.verify(ctx, rec); err != nil {
		if uerr := a.ctrl.UnbindUDC(name); uerr != nil {
			log.Warn().Str("gadget", name).Str("slot", slot).Err(uerr).Msg("unbind after failed verification failed")
		}
		return "", err
	}
	log.Info().Str("gadget", name).Str("slot", slot).Msg("slot bound")
	return slot, nil
}

// Release clears the gadget's binding. No-op on an unbound gadget.
func (a *SlotAllocator) Release(name string) error {
	udc, err := a.ctrl.BoundUDC(name)
	if err != nil {
		return err
	}
	if udc == "" {
		return nil
	}
	if err := a.ctrl.UnbindUDC(name); err != nil {
		return err
	}
	log.Info().Str("gadget", name).Str("slot", udc).Msg("slot released")
	return nil
}

// verify waits one settle delay, checks enumeration, and retries once after
// the verify window before giving up.
func (a *SlotAllocator) verify(ctx context.Context, rec device.Record) error {
	if err := sleepCtx(ctx, a.settle); err != nil {
		return err
	}
	ok, err := a.enum.Present(rec.VendorID, rec.ProductID)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrEnumerationFailed, err)
	}
	if ok {
		return nil
	}

	if err := sleepCtx(ctx, a.window); err != nil {
		return err
	}
	ok, err = a.enum.Present(rec.VendorID, rec.ProductID)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrEnumerationFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s not visible on the bus", device.ErrEnumerationFailed, rec.VIDPID())
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// slotLess orders slot names by numeric suffix when prefixes match, so
// dummy_udc.2 sorts before dummy_udc.10.
func slotLess(a, b string) bool {
	ap, an, aok := splitSlot(a)
	bp, bn, bok := splitSlot(b)
	if aok && bok && ap == bp {
		return an < bn
	}
	return a < b
}

func splitSlot(name string) (prefix string, index int, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return "", 0, false
	}
	return name[:i], n, true
}
