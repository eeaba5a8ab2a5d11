package reconcile

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/Lysandre0/virtusb/internal/device"
)

// Report summarizes one restore-and-repair pass. None of the counted
// conditions is fatal to the invocation.
type Report struct {
	Restored int
	Failed   int
	Pruned   int
}

// RestoreAndRepair runs once per invocation, before any command. It rebinds
// enabled devices whose live gadget vanished (the post-reboot case) and
// sweeps orphaned records, images, and gadgets.
func (s *Session) RestoreAndRepair(ctx context.Context) (Report, error) {
	var rep Report

	enabled, err := s.enabled.List()
	if err != nil {
		return rep, err
	}
	for _, name := range enabled {
		hasRec := s.meta.Exists(name)
		hasImg := s.images.Exists(name)

		if !hasRec && !hasImg && !s.ctrl.Exists(name) {
			// Dangling membership with no artifact anywhere.
			if err := s.enabled.Remove(name); err != nil {
				return rep, err
			}
			rep.Pruned++
			continue
		}
		if !hasRec || !hasImg {
			// Incomplete pair, owned by the orphan sweep below.
			continue
		}

		rec, err := s.meta.Get(name)
		if err == nil {
			var udc string
			udc, err = s.ctrl.BoundUDC(name)
			if err == nil && s.ctrl.Exists(name) && udc != "" {
				continue // already live and bound
			}
			if err == nil {
				err = s.restore(ctx, rec)
			}
		}
		if err != nil {
			log.Warn().Str("device", name).Err(err).Msg("restore failed, disabling")
			if rerr := s.enabled.Remove(name); rerr != nil {
				return rep, rerr
			}
			rep.Failed++
			continue
		}
		rep.Restored++
	}

	pruned, err := s.sweep()
	rep.Pruned += pruned
	if err != nil {
		return rep, err
	}

	log.Info().
		Int("restored", rep.Restored).
		Int("failed", rep.Failed).
		Int("pruned", rep.Pruned).
		Msg("reconciliation pass complete")
	return rep, nil
}

// restore rebuilds the live gadget for an enabled device and binds a slot.
// A failed bind tears the fresh tree back down.
func (s *Session) restore(ctx context.Context, rec device.Record) error {
	if !s.ctrl.Exists(rec.Name) {
		if err := s.ctrl.Build(rec, s.images.Path(rec.Name)); err != nil {
			return err
		}
	}
	if _, err := s.slots.Assign(ctx, rec, rec.Name); err != nil {
		s.destroyQuiet(rec.Name)
		return err
	}
	log.Info().Str("device", rec.Name).Msg("restored")
	return nil
}

// sweep runs the three orphan passes: incomplete record/image pairs, live
// gadgets without a record, and images without a record. Each repairs
// independently; findings are reported, not raised.
func (s *Session) sweep() (int, error) {
	pruned := 0

	recNames, err := s.meta.Names()
	if err != nil {
		return pruned, err
	}
	for _, name := range recNames {
		if s.images.Exists(name) {
			continue
		}
		log.Warn().Str("device", name).Msg("record without backing image, deleting both")
		if err := s.meta.Delete(name); err != nil {
			return pruned, err
		}
		if err := s.images.Delete(name); err != nil {
			return pruned, err
		}
		if err := s.enabled.Remove(name); err != nil {
			return pruned, err
		}
		pruned++
	}

	gadgets, err := s.ctrl.List()
	if err != nil {
		return pruned, err
	}
	for _, name := range gadgets {
		if s.meta.Exists(name) {
			continue
		}
		log.Warn().Str("gadget", name).Msg("live gadget without record, tearing down")
		s.destroyQuiet(name)
		if err := s.enabled.Remove(name); err != nil {
			return pruned, err
		}
		pruned++
	}

	imgNames, err := s.images.Names()
	if err != nil {
		return pruned, err
	}
	for _, name := range imgNames {
		if s.meta.Exists(name) {
			continue
		}
		log.Warn().Str("device", name).Msg("image without record, deleting")
		if err := s.images.Delete(name); err != nil {
			return pruned, err
		}
		if err := s.enabled.Remove(name); err != nil {
			return pruned, err
		}
		pruned++
	}

	return pruned, nil
}

// destroyQuiet tears a gadget down, reporting a system-wide reset loudly
// but treating everything else as best effort. After a reset the surviving
// EnabledSet entries make the next pass rebind every active device.
func (s *Session) destroyQuiet(name string) {
	err := s.ctrl.Destroy(name)
	if err == nil {
		return
	}
	var reset *device.SystemWideResetError
	if errors.As(err, &reset) {
		log.Error().Str("gadget", name).Msg("module reload destroyed all live gadgets; re-enable happens on next run")
		return
	}
	log.Warn().Str("gadget", name).Err(err).Msg("teardown failed")
}
