package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/Lysandre0/virtusb/internal/device"
)

// CreateDevice validates input, then allocates the record and its backing
// image. Undefined -> Defined.
func (s *Session) CreateDevice(name, sizeSpec, brand string) (device.Record, error) {
	rec, err := device.NewRecord(name, sizeSpec, brand)
	if err != nil {
		return device.Record{}, err
	}
	if s.meta.Exists(name) {
		return device.Record{}, fmt.Errorf("%w: device %q", device.ErrAlreadyExists, name)
	}

	if err := s.images.Create(name, rec.SizeBytes); err != nil {
		return device.Record{}, err
	}
	if err := s.meta.Create(rec); err != nil {
		if derr := s.images.Delete(name); derr != nil {
			log.Warn().Str("device", name).Err(derr).Msg("image cleanup after failed create failed")
		}
		return device.Record{}, err
	}
	log.Info().Str("device", name).Str("vid_pid", rec.VIDPID()).Str("size", rec.SizeSpec).Msg("device created")
	return rec, nil
}

// EnableDevice builds the live gadget, binds a slot, and records the
// enabled membership. Enabling an active device succeeds without touching
// its bound slot. Defined -> Active.
func (s *Session) EnableDevice(ctx context.Context, name string) (string, error) {
	rec, err := s.meta.Get(name)
	if err != nil {
		return "", err
	}
	if !s.images.Exists(name) {
		return "", fmt.Errorf("%w: backing image for %q", device.ErrNotFound, name)
	}

	if s.ctrl.Exists(name) {
		udc, err := s.ctrl.BoundUDC(name)
		if err != nil {
			return "", err
		}
		if udc != "" {
			// Already active: keep the slot, make sure membership holds.
			if err := s.enabled.Add(name); err != nil {
				return "", err
			}
			return udc, nil
		}
	} else {
		if err := s.ctrl.Build(rec, s.images.Path(name)); err != nil {
			return "", err
		}
	}

	udc, err := s.slots.Assign(ctx, rec, name)
	if err != nil {
		s.destroyQuiet(name)
		return "", err
	}
	// Membership must be durable before success is reported.
	if err := s.enabled.Add(name); err != nil {
		return "", err
	}
	log.Info().Str("device", name).Str("slot", udc).Msg("device enabled")
	return udc, nil
}

// DisableDevice releases the slot, destroys the live gadget, and clears the
// enabled membership. Active -> Defined.
func (s *Session) DisableDevice(name string) error {
	if !s.meta.Exists(name) {
		return fmt.Errorf("%w: device %q", device.ErrNotFound, name)
	}
	if err := s.slots.Release(name); err != nil {
		log.Warn().Str("device", name).Err(err).Msg("slot release failed, continuing teardown")
	}
	if err := s.teardown(name); err != nil {
		return err
	}
	if err := s.enabled.Remove(name); err != nil {
		return err
	}
	log.Info().Str("device", name).Msg("device disabled")
	return nil
}

// DeleteDevice destroys the live gadget if present and removes the record,
// image, and membership. Any state -> Undefined.
func (s *Session) DeleteDevice(name string) error {
	if !s.meta.Exists(name) {
		return fmt.Errorf("%w: device %q", device.ErrNotFound, name)
	}
	if err := s.slots.Release(name); err != nil {
		log.Warn().Str("device", name).Err(err).Msg("slot release failed, continuing teardown")
	}
	if err := s.teardown(name); err != nil {
		return err
	}
	if err := s.enabled.Remove(name); err != nil {
		return err
	}
	if err := s.meta.Delete(name); err != nil {
		return err
	}
	if err := s.images.Delete(name); err != nil {
		return err
	}
	log.Info().Str("device", name).Msg("device deleted")
	return nil
}

// teardown destroys one gadget. A system-wide reset is absorbed: the target
// is gone either way, every other active device keeps its membership and is
// rebound by the next invocation's restore pass.
func (s *Session) teardown(name string) error {
	err := s.ctrl.Destroy(name)
	if err == nil {
		return nil
	}
	var reset *device.SystemWideResetError
	if errors.As(err, &reset) {
		log.Error().Str("gadget", name).Msg("module reload destroyed all live gadgets; re-enable happens on next run")
		return nil
	}
	return err
}

// DeviceStatus is one row of the list view.
type DeviceStatus struct {
	Record  device.Record
	Enabled bool
	Slot    string
}

// ListDevices reports every defined device with its live status, sorted by
// name.
func (s *Session) ListDevices() ([]DeviceStatus, error) {
	var out []DeviceStatus
	err := s.meta.Each(func(rec device.Record) error {
		enabled, err := s.enabled.Contains(rec.Name)
		if err != nil {
			return err
		}
		slot, err := s.ctrl.BoundUDC(rec.Name)
		if err != nil {
			return err
		}
		out = append(out, DeviceStatus{Record: rec, Enabled: enabled, Slot: slot})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.Name < out[j].Record.Name })
	return out, nil
}

// Purge sweeps orphans, then, once confirmed, deletes every device and
// clears all three durable stores. Returns false when the confirmation
// declined.
func (s *Session) Purge(confirm func() bool) (bool, error) {
	if _, err := s.sweep(); err != nil {
		return false, err
	}
	if !confirm() {
		log.Info().Msg("purge aborted")
		return false, nil
	}

	names, err := s.meta.Names()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if err := s.DeleteDevice(name); err != nil {
			return false, err
		}
	}
	if err := s.enabled.Clear(); err != nil {
		return false, err
	}
	log.Info().Int("deleted", len(names)).Msg("purge complete")
	return true, nil
}
