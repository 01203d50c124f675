package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidewater-os/abctl/pkg/errors"
)

// Well-known partition labels. The slot labels plus LabelData form the
// layout signature the idempotency guard looks for.
const (
	LabelBoot  = "boot"
	LabelSlotA = "tidewater-a"
	LabelSlotB = "tidewater-b"
	LabelData  = "rw"
)

const (
	// biosGrubMiB is the stub partition grub embeds its core image in.
	biosGrubMiB = 1
	// bootPartMiB holds grub config, kernels and initrds.
	bootPartMiB = 127

	byLabelDir = "/dev/disk/by-partlabel"
)

// Layout describes the slot layout found on (or just written to) a disk.
type Layout struct {
	Disk  string
	Boot  string
	Slots map[Slot]string
	Data  string
	// Mounts records where slot partitions are mounted. A mounted slot
	// is the running root filesystem and must never be a write target.
	Mounts map[Slot]string
}

// Manager is the partition manager surface the orchestrator uses.
type Manager interface {
	// DetectTargetDisk returns the first disk of at least minBytes that
	// does not host the running system.
	DetectTargetDisk(ctx context.Context, minBytes int64) (*Device, error)
	// Partition writes the slot layout to a blank disk and makes the
	// boot and data filesystems. Refuses disks already carrying the
	// layout signature.
	Partition(ctx context.Context, disk string, slotSizeGiB int64) (*Layout, error)
	// FindSlots locates an existing layout on the host.
	FindSlots(ctx context.Context) (*Layout, error)
	// SlotDevice returns the device path for a slot's partition.
	SlotDevice(slot Slot) string
}

// ExecManager drives lsblk, parted and mkfs.
type ExecManager struct {
	Runner Runner
	// NodeWait bounds how long Partition waits for the kernel to
	// publish the new partition device nodes.
	NodeWait time.Duration
}

// NewManager returns a Manager using os/exec.
func NewManager() *ExecManager {
	return &ExecManager{Runner: ExecRunner{}, NodeWait: 5 * time.Minute}
}

// MinDiskBytes derives the disk size threshold from the configured
// maximum image size: both slots plus boot overhead and a floor for the
// data partition.
func MinDiskBytes(slotSizeGiB int64) int64 {
	const gib = 1 << 30
	return 2*slotSizeGiB*gib + (biosGrubMiB+bootPartMiB+1)*(1<<20) + gib
}

func (m *ExecManager) DetectTargetDisk(ctx context.Context, minBytes int64) (*Device, error) {
	devices, err := listBlockDevices(ctx, m.Runner)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		d := &devices[i]
		if d.Type != "disk" {
			continue
		}
		if hasMount(d) {
			slog.Debug("disk_skipped_mounted", "disk", d.Path)
			continue
		}
		if d.Size < minBytes {
			slog.Debug("disk_skipped_small", "disk", d.Path, "size", d.Size, "min", minBytes)
			continue
		}
		slog.Info("target_disk_selected", "disk", d.Path, "size", d.Size)
		return d, nil
	}
	return nil, errors.E(errors.KindNoSuitableDisk,
		"no unmounted disk of at least %d bytes found", minBytes)
}

// carriesLayout reports whether a disk already has the three signature
// labels among its partitions.
func carriesLayout(d *Device) bool {
	want := map[string]bool{LabelSlotA: false, LabelSlotB: false, LabelData: false}
	for i := range d.Children {
		if _, ok := want[d.Children[i].PartLabel]; ok {
			want[d.Children[i].PartLabel] = true
		}
	}
	return want[LabelSlotA] && want[LabelSlotB] && want[LabelData]
}

// PartedArgs builds the single parted script invocation that writes the
// whole GPT: bios_grub stub, boot, slot a, slot b, then rw to disk end.
func PartedArgs(disk string, slotSizeGiB int64) []string {
	args := []string{"--script", disk, "--", "mklabel", "gpt"}
	off := int64(biosGrubMiB)

	// bios_grub stub
	args = append(args, "mkpart", "no-fs", fmt.Sprintf("%dMiB", off))
	off += biosGrubMiB
	args = append(args, fmt.Sprintf("%dMiB", off))
	args = append(args, "set", "1", "bios_grub", "on")

	part := 1
	mk := func(label string, sizeMiB int64) {
		part++
		args = append(args, "mkpart", "primary", "ext4", fmt.Sprintf("%dMiB", off))
		if sizeMiB < 0 {
			args = append(args, "-1")
		} else {
			off += sizeMiB
			args = append(args, fmt.Sprintf("%dMiB", off))
		}
		args = append(args, "name", fmt.Sprintf("%d", part), label)
		args = append(args, "align-check", "optimal", fmt.Sprintf("%d", part))
	}

	mk(LabelBoot, bootPartMiB)
	mk(LabelSlotA, slotSizeGiB*1024)
	mk(LabelSlotB, slotSizeGiB*1024)
	mk(LabelData, -1)
	return args
}

func (m *ExecManager) Partition(ctx context.Context, disk string, slotSizeGiB int64) (*Layout, error) {
	devices, err := listBlockDevices(ctx, m.Runner)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Path == disk && carriesLayout(&devices[i]) {
			return nil, errors.E(errors.KindAlreadyPartitioned,
				"%s already carries the slot layout, refusing to repartition", disk)
		}
	}

	slog.Info("partitioning_disk", "disk", disk, "slot_size_gib", slotSizeGiB)
	if err := m.Runner.Run(ctx, "parted", PartedArgs(disk, slotSizeGiB)...); err != nil {
		return nil, errors.Wrap(err, "writing partition table")
	}

	layout := &Layout{
		Disk: disk,
		Boot: labelPath(LabelBoot),
		Slots: map[Slot]string{
			SlotA: labelPath(LabelSlotA),
			SlotB: labelPath(LabelSlotB),
		},
		Data:   labelPath(LabelData),
		Mounts: map[Slot]string{},
	}

	// The kernel publishes the by-partlabel nodes asynchronously.
	for _, p := range []string{layout.Boot, layout.Slots[SlotA], layout.Slots[SlotB], layout.Data} {
		if err := m.waitForNode(ctx, p); err != nil {
			return nil, err
		}
	}

	// Slot filesystems arrive with the image; only boot and rw get one now.
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range []string{layout.Boot, layout.Data} {
		g.Go(func() error {
			slog.Info("mkfs", "device", p)
			return m.Runner.Run(gctx, "mkfs.ext4", "-F", p)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "making filesystems")
	}

	return layout, nil
}

func (m *ExecManager) FindSlots(ctx context.Context) (*Layout, error) {
	devices, err := listBlockDevices(ctx, m.Runner)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		d := &devices[i]
		if d.Type != "disk" || !carriesLayout(d) {
			continue
		}
		layout := &Layout{Disk: d.Path, Slots: map[Slot]string{}, Mounts: map[Slot]string{}}
		for j := range d.Children {
			c := &d.Children[j]
			switch c.PartLabel {
			case LabelBoot:
				layout.Boot = c.Path
			case LabelSlotA:
				layout.Slots[SlotA] = c.Path
			case LabelSlotB:
				layout.Slots[SlotB] = c.Path
			case LabelData:
				layout.Data = c.Path
			}
			if slot, ok := slotForLabel(c.PartLabel); ok && c.Mountpoint != "" {
				layout.Mounts[slot] = c.Mountpoint
			}
		}
		return layout, nil
	}
	return nil, errors.E(errors.KindNoSuitableDisk, "no disk carries the slot layout")
}

func (m *ExecManager) SlotDevice(slot Slot) string {
	return labelPath(slot.Label())
}

func labelPath(label string) string {
	return byLabelDir + "/" + label
}

func slotForLabel(label string) (Slot, bool) {
	switch label {
	case LabelSlotA:
		return SlotA, true
	case LabelSlotB:
		return SlotB, true
	}
	return "", false
}

func (m *ExecManager) waitForNode(ctx context.Context, path string) error {
	deadline := time.Now().Add(m.NodeWait)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.E(errors.KindIO, "%s never appeared after partitioning", path)
		}
		select {
		case <-ctx.Done():
			return errors.EW(errors.KindIO, ctx.Err(), "waiting for "+path)
		case <-time.After(time.Second):
		}
	}
}
