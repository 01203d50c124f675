// Package bootloader owns the active-slot pointer. The pointer lives
// in the grub environment block and nowhere else: after a crash it is
// the single record of which slot is the default and whether a switch
// is still pending confirmation. The revert-on-failed-boot edge is
// enforced by the rendered loader script, not by code here, so it holds
// even when the new kernel never starts.
package bootloader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidewater-os/abctl/pkg/blockdev"
	"github.com/tidewater-os/abctl/pkg/errors"
	"github.com/tidewater-os/abctl/pkg/meta"
)

// grubenv keys. Entry ids are version UUIDs; *_slot values are "a"/"b".
const (
	envStable      = "stable"
	envStableSlot  = "stable_slot"
	envPending     = "pending"
	envPendingSlot = "pending_slot"
	envPrior       = "prior"
	envPriorSlot   = "prior_slot"
	envTriesLeft   = "tries_left"
)

// State is the slot pointer as recorded by the boot loader.
type State struct {
	StableUUID string
	StableSlot blockdev.Slot

	// Pending fields are set only while a switch awaits confirmation.
	PendingUUID string
	PendingSlot blockdev.Slot
	PriorUUID   string
	PriorSlot   blockdev.Slot
	TriesLeft   int
}

// Armed reports whether a slot switch awaits confirmation.
func (s *State) Armed() bool { return s.PendingUUID != "" }

// DefaultSlot is the slot the loader will boot next.
func (s *State) DefaultSlot() (blockdev.Slot, error) {
	if s.Armed() {
		// An exhausted counter means the loader already reverted to the
		// prior entry on its own; the pending keys linger because the
		// loader script only saves tries_left back.
		if s.TriesLeft <= 0 {
			return s.PriorSlot, nil
		}
		return s.PendingSlot, nil
	}
	if s.StableUUID != "" {
		return s.StableSlot, nil
	}
	return "", errors.E(errors.KindIO, "boot environment has no slot pointer")
}

// Controller is the boot fallback surface the orchestrator uses.
type Controller interface {
	// State reads the slot pointer from the loader.
	State(ctx context.Context) (*State, error)
	// InstallInitial writes the loader to a fresh disk with a single
	// stable entry and no fallback target.
	InstallInitial(ctx context.Context, disk string, v *meta.Version, slot blockdev.Slot) error
	// Arm points the default at the freshly verified slot and starts
	// the loader-native boot-attempt counter that reverts to the
	// current slot when exhausted.
	Arm(ctx context.Context, disk string, newV *meta.Version, newSlot blockdev.Slot, cur *meta.Version, curSlot blockdev.Slot) error
	// Confirm makes the pending slot the unconditional default when
	// runningUUID is the pending version. When the host instead booted
	// the prior entry after a fallback, the failed pending version is
	// dropped. No-op when nothing is pending.
	Confirm(ctx context.Context, runningUUID string) error
}

// Grub implements Controller with grub-editenv and grub-install.
type Grub struct {
	Runner blockdev.Runner
	// BootDir is the mountpoint of the boot partition.
	BootDir string
	// BootDevice is the boot partition; empty disables mounting (the
	// boot filesystem is then expected to be present already).
	BootDevice string
	// TriesBudget is how many boot attempts a pending slot gets.
	TriesBudget int
	// TimeoutSec is the menu timeout in the rendered config.
	TimeoutSec int
}

// NewGrub returns a Controller with the production defaults.
func NewGrub() *Grub {
	return &Grub{
		Runner:      blockdev.ExecRunner{},
		BootDir:     "/boot",
		BootDevice:  "/dev/disk/by-partlabel/" + blockdev.LabelBoot,
		TriesBudget: 3,
		TimeoutSec:  3,
	}
}

func (g *Grub) cfgPath() string { return filepath.Join(g.BootDir, "grub", "grub.cfg") }
func (g *Grub) envPath() string { return filepath.Join(g.BootDir, "grub", "grubenv") }

// mountBoot mounts the boot partition and returns an unmount func. The
// unmount failure is logged, not propagated; the boot data is already
// synced by grub-editenv at that point.
func (g *Grub) mountBoot(ctx context.Context) (func(), error) {
	if g.BootDevice == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(g.BootDir, 0o755); err != nil {
		return nil, errors.EW(errors.KindIO, err, "creating "+g.BootDir)
	}
	if err := g.Runner.Run(ctx, "mount", g.BootDevice, g.BootDir); err != nil {
		return nil, errors.Wrap(err, "mounting boot partition")
	}
	return func() {
		if err := g.Runner.Run(ctx, "umount", g.BootDir); err != nil {
			slog.Warn("boot_umount_failed", "dir", g.BootDir, "error", err)
		}
	}, nil
}

func (g *Grub) readEnv(ctx context.Context) (map[string]string, error) {
	out, err := g.Runner.Output(ctx, "grub-editenv", g.envPath(), "list")
	if err != nil {
		return nil, errors.Wrap(err, "reading boot environment")
	}
	env := map[string]string{}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

func (g *Grub) setEnv(ctx context.Context, kv map[string]string) error {
	args := []string{g.envPath(), "set"}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+kv[k])
	}
	return errors.Wrap(g.Runner.Run(ctx, "grub-editenv", args...), "writing boot environment")
}

func (g *Grub) unsetEnv(ctx context.Context, keys ...string) error {
	args := append([]string{g.envPath(), "unset"}, keys...)
	return errors.Wrap(g.Runner.Run(ctx, "grub-editenv", args...), "clearing boot environment")
}

func stateFromEnv(env map[string]string) *State {
	s := &State{
		StableUUID:  env[envStable],
		StableSlot:  blockdev.Slot(env[envStableSlot]),
		PendingUUID: env[envPending],
		PendingSlot: blockdev.Slot(env[envPendingSlot]),
		PriorUUID:   env[envPrior],
		PriorSlot:   blockdev.Slot(env[envPriorSlot]),
	}
	if v, err := strconv.Atoi(env[envTriesLeft]); err == nil {
		s.TriesLeft = v
	}
	return s
}

func (g *Grub) State(ctx context.Context) (*State, error) {
	unmount, err := g.mountBoot(ctx)
	if err != nil {
		return nil, err
	}
	defer unmount()

	env, err := g.readEnv(ctx)
	if err != nil {
		return nil, err
	}
	return stateFromEnv(env), nil
}

func entryFor(v *meta.Version, slot blockdev.Slot) Entry {
	return Entry{
		UUID:   v.Internal.UUID,
		Slot:   slot,
		Label:  slot.Label(),
		Kernel: v.Internal.Kernel,
		Init:   v.Internal.Init,
		Initrd: v.Internal.Initrd,
	}
}

func (g *Grub) writeConfig(entries []Entry) error {
	cfg, err := RenderConfig(g.TimeoutSec, g.TriesBudget, entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.cfgPath()), 0o755); err != nil {
		return errors.EW(errors.KindIO, err, "creating grub directory")
	}
	if err := os.WriteFile(g.cfgPath(), cfg, 0o644); err != nil {
		return errors.EW(errors.KindIO, err, "writing grub config")
	}
	return nil
}

func (g *Grub) InstallInitial(ctx context.Context, disk string, v *meta.Version, slot blockdev.Slot) error {
	slog.Info("bootloader_install", "disk", disk, "uuid", v.Internal.UUID, "slot", slot)

	unmount, err := g.mountBoot(ctx)
	if err != nil {
		return err
	}
	defer unmount()

	if err := g.writeConfig([]Entry{entryFor(v, slot)}); err != nil {
		return err
	}
	if err := g.Runner.Run(ctx, "grub-editenv", g.envPath(), "create"); err != nil {
		return errors.Wrap(err, "creating boot environment")
	}
	if err := g.setEnv(ctx, map[string]string{
		envStable:     v.Internal.UUID,
		envStableSlot: string(slot),
	}); err != nil {
		return err
	}
	if err := g.Runner.Run(ctx, "grub-install", "--target=i386-pc", disk); err != nil {
		return errors.Wrap(err, "installing boot loader")
	}
	return nil
}

func (g *Grub) Arm(ctx context.Context, disk string, newV *meta.Version, newSlot blockdev.Slot, cur *meta.Version, curSlot blockdev.Slot) error {
	slog.Info("bootloader_arm",
		"pending", newV.Internal.UUID, "pending_slot", newSlot,
		"prior", cur.Internal.UUID, "prior_slot", curSlot,
		"tries", g.TriesBudget)

	unmount, err := g.mountBoot(ctx)
	if err != nil {
		return err
	}
	defer unmount()

	// Config first, environment last. The rendered config takes every
	// decision from the env block, so the new file is inert until the
	// pending keys land; a crash in between keeps booting stable.
	if err := g.writeConfig([]Entry{entryFor(newV, newSlot), entryFor(cur, curSlot)}); err != nil {
		return err
	}
	if err := g.Runner.Run(ctx, "grub-install", "--target=i386-pc", disk); err != nil {
		return errors.Wrap(err, "installing boot loader")
	}
	return g.setEnv(ctx, map[string]string{
		envPending:     newV.Internal.UUID,
		envPendingSlot: string(newSlot),
		envPrior:       cur.Internal.UUID,
		envPriorSlot:   string(curSlot),
		envTriesLeft:   strconv.Itoa(g.TriesBudget),
	})
}

func (g *Grub) Confirm(ctx context.Context, runningUUID string) error {
	unmount, err := g.mountBoot(ctx)
	if err != nil {
		return err
	}
	defer unmount()

	env, err := g.readEnv(ctx)
	if err != nil {
		return err
	}
	s := stateFromEnv(env)
	if !s.Armed() {
		slog.Info("bootloader_confirm_noop")
		return nil
	}

	if s.PendingUUID != runningUUID {
		// The loader fell back and booted the prior entry; the pending
		// version failed. Drop it so nothing boots it again.
		slog.Warn("bootloader_confirm_dropping_failed_pending",
			"running", runningUUID, "pending", s.PendingUUID)
		if s.PriorUUID == runningUUID {
			if err := g.setEnv(ctx, map[string]string{
				envStable:     s.PriorUUID,
				envStableSlot: string(s.PriorSlot),
			}); err != nil {
				return err
			}
		}
		return g.unsetEnv(ctx, envPending, envPendingSlot, envPrior, envPriorSlot, envTriesLeft)
	}

	slog.Info("bootloader_confirm", "uuid", s.PendingUUID, "slot", s.PendingSlot)

	// Promote before clearing: a crash in between leaves both stable
	// and pending naming the same slot, and a rerun converges.
	if err := g.setEnv(ctx, map[string]string{
		envStable:     s.PendingUUID,
		envStableSlot: string(s.PendingSlot),
	}); err != nil {
		return err
	}
	return g.unsetEnv(ctx, envPending, envPendingSlot, envPrior, envPriorSlot, envTriesLeft)
}
