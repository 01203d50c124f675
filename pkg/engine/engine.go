// Package engine drives the install and update workflows end to end.
// Each operation is a single thread of control kicked off by an
// external lifecycle event; nothing here persists in-progress state.
// An interrupted run leaves stale bytes in the inactive slot at worst,
// which the next run overwrites.
package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/tidewater-os/abctl/internal/config"
	"github.com/tidewater-os/abctl/pkg/blockdev"
	"github.com/tidewater-os/abctl/pkg/bootloader"
	"github.com/tidewater-os/abctl/pkg/errors"
	"github.com/tidewater-os/abctl/pkg/history"
	"github.com/tidewater-os/abctl/pkg/imagewriter"
	"github.com/tidewater-os/abctl/pkg/meta"
	"github.com/tidewater-os/abctl/pkg/storage"
)

// Fetcher is the read side of the object store for one image location.
// *storage.Client satisfies it.
type Fetcher interface {
	FetchMetadata(ctx context.Context) (*meta.Version, error)
	OpenStream(ctx context.Context, offset int64) (io.ReadCloser, int64, error)
}

// Writer commits image bytes to a slot partition.
type Writer interface {
	Write(src io.Reader, device string, expectedSize int64, expectedSHA256 string) error
	DigestDevice(device string, size int64) (string, error)
}

// StreamWriter is the production Writer.
type StreamWriter struct{}

func (StreamWriter) Write(src io.Reader, device string, expectedSize int64, expectedSHA256 string) error {
	return imagewriter.Write(src, device, expectedSize, expectedSHA256)
}

func (StreamWriter) DigestDevice(device string, size int64) (string, error) {
	return imagewriter.DigestDevice(device, size)
}

// Engine composes the components behind the three entry points.
type Engine struct {
	Cfg     *config.Config
	Disks   blockdev.Manager
	Boot    bootloader.Controller
	Writer  Writer
	Journal history.Recorder
	Runner  blockdev.Runner
	// NewFetcher builds a store client from a descriptor's location
	// block; swapped for a fake in tests.
	NewFetcher func(ctx context.Context, loc *meta.Internal) (Fetcher, error)
}

// New wires the production components.
func New(cfg *config.Config) *Engine {
	grub := bootloader.NewGrub()
	grub.BootDir = cfg.BootDir
	grub.TriesBudget = cfg.BootTries
	grub.TimeoutSec = cfg.BootTimeoutSec

	return &Engine{
		Cfg:     cfg,
		Disks:   blockdev.NewManager(),
		Boot:    grub,
		Writer:  StreamWriter{},
		Journal: history.LogOnly{},
		Runner:  blockdev.ExecRunner{},
		NewFetcher: func(ctx context.Context, loc *meta.Internal) (Fetcher, error) {
			return storage.NewClient(ctx, loc)
		},
	}
}

// Install provisions a fresh disk from the bundled first version:
// partition, write slot a, point the loader at it. Failures are fatal
// to the installer run; the operator reruns it.
func (e *Engine) Install(ctx context.Context, configPath string) error {
	cfg, err := meta.ReadInstallConfig(configPath)
	if err != nil {
		return err
	}
	v := &cfg.Version
	attempt, _ := e.Journal.Begin("install", "", v.Internal.UUID, string(blockdev.SlotA))

	err = e.install(ctx, cfg)
	if err != nil {
		e.finish(attempt, history.StatusFailed, errors.KindOf(err).String())
		return err
	}
	e.finish(attempt, history.StatusConfirmed, "")

	if e.Cfg.Poweroff {
		slog.Info("install_complete_powering_off")
		return e.Runner.Run(ctx, "poweroff")
	}
	return nil
}

func (e *Engine) install(ctx context.Context, cfg *meta.InstallConfig) error {
	disk, err := e.Disks.DetectTargetDisk(ctx, blockdev.MinDiskBytes(cfg.SizeGiB))
	if err != nil {
		return err
	}

	layout, err := e.Disks.Partition(ctx, disk.Path, cfg.SizeGiB)
	if err != nil {
		return err
	}

	src, err := os.Open(cfg.VersionPath)
	if err != nil {
		return errors.EW(errors.KindIO, err, "opening bundled image "+cfg.VersionPath)
	}
	defer src.Close()

	target := layout.Slots[blockdev.SlotA]
	if err := e.Writer.Write(src, target, cfg.Version.Size, cfg.Version.SHA256); err != nil {
		return err
	}

	// Slot a verified; only now does the loader learn about it.
	return e.Boot.InstallInitial(ctx, disk.Path, &cfg.Version, blockdev.SlotA)
}

// Update checks the store for a newer version and, if one exists,
// commits it to the inactive slot and arms the fallback. Every failure
// path leaves the boot configuration untouched.
func (e *Engine) Update(ctx context.Context) error {
	current, err := meta.ReadCurrent(e.Cfg.CurrentMeta)
	if err != nil {
		return err
	}

	release, err := acquireLock(e.Cfg.LockFile)
	if err != nil {
		return err
	}
	defer release()

	if err := e.waitForNetwork(ctx); err != nil {
		return err
	}

	fetcher, err := e.NewFetcher(ctx, &current.Internal)
	if err != nil {
		return err
	}
	remote, err := fetcher.FetchMetadata(ctx)
	if err != nil {
		return err
	}

	if remote.Internal.UUID == current.Internal.UUID {
		slog.Info("update_noop_latest_version_running", "uuid", current.Internal.UUID)
		return nil
	}
	slog.Info("update_found_new_version",
		"current", current.Internal.UUID, "new", remote.Internal.UUID)

	attempt, _ := e.Journal.Begin("update", current.Internal.UUID, remote.Internal.UUID, "")
	armed, err := e.update(ctx, fetcher, current, remote)
	if err != nil {
		e.finish(attempt, history.StatusFailed, errors.KindOf(err).String())
		return err
	}
	if !armed {
		e.finish(attempt, history.StatusNoop, "fallen_back")
		return nil
	}
	e.finish(attempt, history.StatusArmed, "")

	if e.Cfg.Reboot {
		slog.Info("update_complete_rebooting")
		return e.Runner.Run(ctx, "reboot")
	}
	return nil
}

// update commits the remote version to the inactive slot and arms the
// fallback. It reports false (with no error) when the slot already
// holds the remote version, meaning this host fell back from it.
func (e *Engine) update(ctx context.Context, fetcher Fetcher, current, remote *meta.Version) (bool, error) {
	layout, err := e.Disks.FindSlots(ctx)
	if err != nil {
		return false, err
	}

	// The loader's record of the default slot is the only one there
	// is; the write target is simply the other slot.
	state, err := e.Boot.State(ctx)
	if err != nil {
		return false, err
	}
	activeSlot, err := state.DefaultSlot()
	if err != nil {
		return false, err
	}
	target := activeSlot.Other()
	device := layout.Slots[target]
	if device == "" {
		return false, errors.E(errors.KindIO, "no partition found for slot %s", target)
	}
	if mp := layout.Mounts[target]; mp != "" {
		return false, errors.E(errors.KindIO,
			"slot %s is mounted at %s, refusing to overwrite a live filesystem", target, mp)
	}

	// If the inactive slot already holds the remote version, this host
	// installed it before and fell back: don't reinstall a version
	// that failed to boot here.
	digest, err := e.Writer.DigestDevice(device, remote.Size)
	if err != nil {
		return false, err
	}
	if digest == remote.SHA256 {
		slog.Info("update_aborted_fallen_back",
			"uuid", remote.Internal.UUID, "slot", target)
		return false, nil
	}

	slog.Info("update_downloading", "uuid", remote.Internal.UUID, "slot", target, "device", device)
	stream, err := storage.NewResumingReader(ctx, fetcher.OpenStream, e.Cfg.StreamResumes)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	if err := e.Writer.Write(stream, device, remote.Size, remote.SHA256); err != nil {
		return false, err
	}

	// Verified and durable; repoint the loader and start the watchdog.
	if err := e.Boot.Arm(ctx, layout.Disk, remote, target, current, activeSlot); err != nil {
		return false, err
	}
	return true, nil
}

// ConfirmSuccess is invoked by the host's boot-succeeded signal; it
// makes the pending slot permanent. The running version comes from the
// on-image descriptor, so a host that fell back confirms the prior
// version and the failed pending one is dropped. Safe to call
// repeatedly.
func (e *Engine) ConfirmSuccess(ctx context.Context) error {
	current, err := meta.ReadCurrent(e.Cfg.CurrentMeta)
	if err != nil {
		return err
	}
	attempt, _ := e.Journal.Begin("confirm", "", current.Internal.UUID, "")
	if err := e.Boot.Confirm(ctx, current.Internal.UUID); err != nil {
		e.finish(attempt, history.StatusFailed, errors.KindOf(err).String())
		return err
	}
	e.finish(attempt, history.StatusConfirmed, "")
	return nil
}

// finish journals an outcome; journal failures are logged, never fatal.
func (e *Engine) finish(attempt int64, status, detail string) {
	if err := e.Journal.Finish(attempt, status, detail); err != nil {
		slog.Warn("journal_write_failed", "error", err)
	}
}

type ipRoute struct {
	Dst string `json:"dst"`
}

func (e *Engine) hasDefaultRoute(ctx context.Context) (bool, error) {
	out, err := e.Runner.Output(ctx, "ip", "--json", "route", "show")
	if err != nil {
		return false, errors.Wrap(err, "running ip route show")
	}
	var routes []ipRoute
	if err := json.Unmarshal(out, &routes); err != nil {
		return false, errors.Wrap(err, "parsing ip route show output")
	}
	for _, r := range routes {
		if r.Dst == "default" {
			return true, nil
		}
	}
	return false, nil
}

// waitForNetwork blocks until a default route exists or the wait
// budget runs out. Hosts come up with the updater timer racing DHCP.
func (e *Engine) waitForNetwork(ctx context.Context) error {
	return retry(ctx, e.Cfg.NetworkWait, e.Cfg.RetryPeriod, func() error {
		ok, err := e.hasDefaultRoute(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.E(errors.KindNetwork, "no default route yet")
		}
		return nil
	})
}
