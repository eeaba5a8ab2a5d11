package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lysandre0/virtusb/internal/device"
	"github.com/Lysandre0/virtusb/internal/gadget"
	"github.com/Lysandre0/virtusb/internal/store"
	"github.com/Lysandre0/virtusb/internal/testutil/testlog"
)

type okRunner struct{}

func (okRunner) Run(string, ...string) (string, error) { return "", nil }

// settableEnum flips between visible and invisible devices.
type settableEnum struct {
	present bool
}

func (e *settableEnum) Present(uint16, uint16) (bool, error) { return e.present, nil }

type testEnv struct {
	s          *Session
	meta       *store.MetadataStore
	images     *store.ImageStore
	enabled    *store.EnabledSet
	ctrl       *gadget.Controller
	enum       *settableEnum
	gadgetRoot string
}

func newTestEnv(t *testing.T, slots int) *testEnv {
	t.Helper()
	base := t.TempDir()

	meta, err := store.NewMetadataStore(filepath.Join(base, "meta"))
	if err != nil {
		t.Fatalf("metadata store: %v", err)
	}
	images, err := store.NewImageStore(filepath.Join(base, "images"))
	if err != nil {
		t.Fatalf("image store: %v", err)
	}
	enabled, err := store.NewEnabledSet(filepath.Join(base, "enabled"))
	if err != nil {
		t.Fatalf("enabled set: %v", err)
	}

	udcDir := filepath.Join(base, "udc")
	if err := os.MkdirAll(udcDir, 0o755); err != nil {
		t.Fatalf("mkdir udc: %v", err)
	}
	for i := 0; i < slots; i++ {
		if err := os.WriteFile(filepath.Join(udcDir, fmt.Sprintf("dummy_udc.%d", i)), nil, 0o644); err != nil {
			t.Fatalf("seed slot: %v", err)
		}
	}

	gadgetRoot := filepath.Join(base, "usb_gadget")
	if err := os.MkdirAll(gadgetRoot, 0o755); err != nil {
		t.Fatalf("mkdir gadget root: %v", err)
	}
	ctrl := gadget.NewController(gadgetRoot, "dummy_hcd", okRunner{})
	enum := &settableEnum{present: true}
	alloc := gadget.NewSlotAllocator(udcDir, ctrl, enum, time.Millisecond, time.Millisecond)

	s := NewSessionFromParts(Parts{
		Meta:       meta,
		Images:     images,
		Enabled:    enabled,
		Controller: ctrl,
		Slots:      alloc,
		LockFile:   filepath.Join(base, "virtusb.lock"),
	})
	return &testEnv{s: s, meta: meta, images: images, enabled: enabled, ctrl: ctrl, enum: enum, gadgetRoot: gadgetRoot}
}

func (e *testEnv) mustCreate(t *testing.T, name string) device.Record {
	t.Helper()
	rec, err := e.s.CreateDevice(name, "1M", "sandisk")
	if err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return rec
}

func (e *testEnv) mustEnable(t *testing.T, name string) string {
	t.Helper()
	slot, err := e.s.EnableDevice(context.Background(), name)
	if err != nil {
		t.Fatalf("enable %q: %v", name, err)
	}
	return slot
}

// simulateReboot clears the live gadget tree while leaving the durable
// stores intact, the way a host restart does.
func (e *testEnv) simulateReboot(t *testing.T) {
	t.Helper()
	if err := os.RemoveAll(e.gadgetRoot); err != nil {
		t.Fatalf("clear gadget tree: %v", err)
	}
	if err := os.MkdirAll(e.gadgetRoot, 0o755); err != nil {
		t.Fatalf("recreate gadget root: %v", err)
	}
}

func (e *testEnv) assertPristine(t *testing.T) {
	t.Helper()
	names, err := e.meta.Names()
	if err != nil {
		t.Fatalf("meta names: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("records remain: %v", names)
	}
	imgs, err := e.images.Names()
	if err != nil {
		t.Fatalf("image names: %v", err)
	}
	if len(imgs) != 0 {
		t.Fatalf("images remain: %v", imgs)
	}
	en, err := e.enabled.List()
	if err != nil {
		t.Fatalf("enabled list: %v", err)
	}
	if len(en) != 0 {
		t.Fatalf("enabled entries remain: %v", en)
	}
	gadgets, err := e.ctrl.List()
	if err != nil {
		t.Fatalf("gadget list: %v", err)
	}
	if len(gadgets) != 0 {
		t.Fatalf("gadgets remain: %v", gadgets)
	}
}

func TestLifecycleRoundTripLeavesNoTrace(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 2)

	env.mustCreate(t, "k1")
	env.mustEnable(t, "k1")
	if err := env.s.DisableDevice("k1"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := env.s.DeleteDevice("k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	env.assertPristine(t)
}

func TestEnableIdempotentKeepsSlot(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 3)
	env.mustCreate(t, "k1")

	first := env.mustEnable(t, "k1")
	second := env.mustEnable(t, "k1")
	if first != second {
		t.Fatalf("slot changed on re-enable: %q -> %q", first, second)
	}

	free, err := env.s.slots.ListFree()
	if err != nil {
		t.Fatalf("list free: %v", err)
	}
	if len(free) != 2 {
		t.Fatalf("re-enable consumed a slot: free=%v", free)
	}
}

func TestRestartRestoreRebindsEnabledDevices(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 2)
	env.mustCreate(t, "k1")
	env.mustEnable(t, "k1")

	env.simulateReboot(t)
	rep, err := env.s.RestoreAndRepair(context.Background())
	if err != nil {
		t.Fatalf("restore and repair: %v", err)
	}
	if rep.Restored != 1 || rep.Failed != 0 || rep.Pruned != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}

	udc, err := env.ctrl.BoundUDC("k1")
	if err != nil {
		t.Fatalf("bound udc: %v", err)
	}
	if udc == "" {
		t.Fatalf("device not rebound after restart")
	}

	list, err := env.s.ListDevices()
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(list) != 1 || !list[0].Enabled || list[0].Slot == "" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestRestoreAndRepairIdempotentOnHealthyState(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 2)
	env.mustCreate(t, "k1")
	slot := env.mustEnable(t, "k1")

	rep, err := env.s.RestoreAndRepair(context.Background())
	if err != nil {
		t.Fatalf("restore and repair: %v", err)
	}
	if rep != (Report{}) {
		t.Fatalf("healthy state produced work: %+v", rep)
	}
	udc, err := env.ctrl.BoundUDC("k1")
	if err != nil {
		t.Fatalf("bound udc: %v", err)
	}
	if udc != slot {
		t.Fatalf("slot changed: %q -> %q", slot, udc)
	}
}

func TestSlotUniquenessAndExhaustion(t *testing.T) {
	testlog.Start(t)
	const pool = 3
	env := newTestEnv(t, pool)

	slots := map[string]string{}
	for i := 0; i < pool; i++ {
		name := fmt.Sprintf("d%d", i)
		env.mustCreate(t, name)
		slot := env.mustEnable(t, name)
		for other, taken := range slots {
			if taken == slot {
				t.Fatalf("slot %q double-assigned to %q and %q", slot, other, name)
			}
		}
		slots[name] = slot
	}

	env.mustCreate(t, "overflow")
	_, err := env.s.EnableDevice(context.Background(), "overflow")
	if !errors.Is(err, device.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestRestoreFailureDisablesDevice(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 2)
	env.mustCreate(t, "k1")
	env.mustEnable(t, "k1")

	env.simulateReboot(t)
	env.enum.present = false
	rep, err := env.s.RestoreAndRepair(context.Background())
	if err != nil {
		t.Fatalf("restore and repair: %v", err)
	}
	if rep.Failed != 1 || rep.Restored != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	ok, err := env.enabled.Contains("k1")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if ok {
		t.Fatalf("failed device still enabled")
	}
	// The record and image survive; only the activation was given up.
	if !env.meta.Exists("k1") || !env.images.Exists("k1") {
		t.Fatalf("restore failure must not delete the device definition")
	}
}

func TestSweepRecordWithoutImage(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 2)
	env.mustCreate(t, "k1")
	env.mustEnable(t, "k1")

	// Out-of-band image loss.
	if err := env.images.Delete("k1"); err != nil {
		t.Fatalf("delete image: %v", err)
	}
	rep, err := env.s.RestoreAndRepair(context.Background())
	if err != nil {
		t.Fatalf("restore and repair: %v", err)
	}
	if rep.Pruned == 0 {
		t.Fatalf("expected pruning, got %+v", rep)
	}
	if env.meta.Exists("k1") {
		t.Fatalf("orphan record survived sweep")
	}
	ok, err := env.enabled.Contains("k1")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if ok {
		t.Fatalf("orphan still enabled after sweep")
	}
}

func TestSweepGadgetWithoutRecord(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 2)

	rec, err := device.NewRecord("stray", "1M", "generic")
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := env.ctrl.Build(rec, "/img"); err != nil {
		t.Fatalf("build stray gadget: %v", err)
	}

	rep, err := env.s.RestoreAndRepair(context.Background())
	if err != nil {
		t.Fatalf("restore and repair: %v", err)
	}
	if rep.Pruned != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if env.ctrl.Exists("stray") {
		t.Fatalf("stray gadget survived sweep")
	}
}

func TestSweepImageWithoutRecord(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 2)
	if err := env.images.Create("stray", 1<<10); err != nil {
		t.Fatalf("create stray image: %v", err)
	}

	rep, err := env.s.RestoreAndRepair(context.Background())
	if err != nil {
		t.Fatalf("restore and repair: %v", err)
	}
	if rep.Pruned != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if env.images.Exists("stray") {
		t.Fatalf("stray image survived sweep")
	}
}

func TestDanglingEnabledEntryPruned(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 2)
	if err := env.enabled.Add("ghost"); err != nil {
		t.Fatalf("add ghost: %v", err)
	}

	rep, err := env.s.RestoreAndRepair(context.Background())
	if err != nil {
		t.Fatalf("restore and repair: %v", err)
	}
	if rep.Pruned != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	ok, err := env.enabled.Contains("ghost")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if ok {
		t.Fatalf("ghost entry survived")
	}
}

func TestPurgeConfirmedEmptiesEverything(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 3)
	env.mustCreate(t, "k1")
	env.mustCreate(t, "k2")
	env.mustEnable(t, "k1")

	purged, err := env.s.Purge(func() bool { return true })
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !purged {
		t.Fatalf("purge reported declined")
	}
	env.assertPristine(t)
}

func TestPurgeDeclinedChangesNothing(t *testing.T) {
	testlog.Start(t)
	env := newTestEnv(t, 3)
	env.mustCreate(t, "k1")
	env.mustEnable(t, "k1")

	purged, err := env.s.Purge(func() bool { return false })
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged {
		t.Fatalf("declined purge reported success")
	}
	if !env.meta.Exists("k1") || !env.images.Exists("k1") || !env.ctrl.Exists("k1") {
		t.Fatalf("declined purge deleted state")
	}
}
