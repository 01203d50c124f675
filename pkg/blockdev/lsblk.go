// Package blockdev inspects disks and carves the slot layout: a GPT
// with a bios_grub stub, a boot partition, the two OS slots, and a
// read-write data partition filling the rest of the disk. Partition
// labels are the layout's signature; no state is kept anywhere else.
package blockdev

import (
	"context"
	"encoding/json"
	"os/exec"

	"github.com/tidewater-os/abctl/pkg/errors"
)

// Slot identifies one of the two interchangeable OS partitions.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Label returns the partition label carrying this slot.
func (s Slot) Label() string {
	if s == SlotA {
		return LabelSlotA
	}
	return LabelSlotB
}

// Device is one entry of `lsblk -J` output.
type Device struct {
	Path       string   `json:"path"`
	Size       int64    `json:"size"`
	Type       string   `json:"type"`
	Mountpoint string   `json:"mountpoint"`
	PartLabel  string   `json:"partlabel"`
	Children   []Device `json:"children"`
}

type lsblkRoot struct {
	BlockDevices []Device `json:"blockdevices"`
}

// Runner executes external partitioning tools. Swapped for a fake in
// tests.
type Runner interface {
	// Output runs a command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Run runs a command, discarding output.
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, errors.EW(errors.KindIO, err, name+" failed")
	}
	return out, nil
}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	if err := exec.CommandContext(ctx, name, args...).Run(); err != nil {
		return errors.EW(errors.KindIO, err, name+" failed")
	}
	return nil
}

// listBlockDevices inventories the host's block devices. -T forces
// tree output so partitions nest under their disk.
func listBlockDevices(ctx context.Context, r Runner) ([]Device, error) {
	out, err := r.Output(ctx, "lsblk", "-n", "-b", "-J", "-T", "-o", "SIZE,TYPE,PATH,MOUNTPOINT,PARTLABEL")
	if err != nil {
		return nil, errors.Wrap(err, "running lsblk")
	}
	var root lsblkRoot
	if err := json.Unmarshal(out, &root); err != nil {
		return nil, errors.EW(errors.KindIO, err, "parsing lsblk output")
	}
	return root.BlockDevices, nil
}

// hasMount reports whether the device or any of its partitions is
// mounted; such a disk hosts the running system or the installer media.
func hasMount(d *Device) bool {
	if d.Mountpoint != "" {
		return true
	}
	for i := range d.Children {
		if hasMount(&d.Children[i]) {
			return true
		}
	}
	return false
}
