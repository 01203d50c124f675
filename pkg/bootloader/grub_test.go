package bootloader

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidewater-os/abctl/pkg/blockdev"
	"github.com/tidewater-os/abctl/pkg/meta"
)

// envRunner emulates grub-editenv over an in-memory environment block
// and swallows mount/grub-install.
type envRunner struct {
	env      map[string]string
	installs int
	// onSet observes grub-editenv set calls before they apply.
	onSet func(kvs []string)
}

func newEnvRunner() *envRunner { return &envRunner{env: map[string]string{}} }

func (r *envRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name == "grub-editenv" && len(args) >= 2 && args[1] == "list" {
		var b strings.Builder
		for k, v := range r.env {
			fmt.Fprintf(&b, "%s=%s\n", k, v)
		}
		return []byte(b.String()), nil
	}
	return nil, fmt.Errorf("unexpected command %s %v", name, args)
}

func (r *envRunner) Run(ctx context.Context, name string, args ...string) error {
	switch name {
	case "grub-editenv":
		switch args[1] {
		case "create":
			r.env = map[string]string{}
		case "set":
			if r.onSet != nil {
				r.onSet(args[2:])
			}
			for _, kv := range args[2:] {
				k, v, _ := strings.Cut(kv, "=")
				r.env[k] = v
			}
		case "unset":
			for _, k := range args[2:] {
				delete(r.env, k)
			}
		}
		return nil
	case "grub-install":
		r.installs++
		return nil
	case "mount", "umount":
		return nil
	}
	return fmt.Errorf("unexpected command %s %v", name, args)
}

func testGrub(t *testing.T) (*Grub, *envRunner) {
	t.Helper()
	r := newEnvRunner()
	return &Grub{
		Runner:      r,
		BootDir:     t.TempDir(),
		BootDevice:  "", // boot fs stands in for a mounted partition
		TriesBudget: 3,
		TimeoutSec:  3,
	}, r
}

func version(uuid string) *meta.Version {
	return &meta.Version{
		SHA256: strings.Repeat("0", 64),
		Size:   1,
		Format: meta.FormatRawZstd,
		Internal: meta.Internal{
			Region:     "us-east-1",
			Bucket:     "images",
			ObjectPath: "os/img",
			UUID:       uuid,
			Kernel:     "/boot-artifacts/bzImage",
			Init:       "/init",
			Initrd:     "/boot-artifacts/initrd",
		},
	}
}

func TestInstallArmConfirmLifecycle(t *testing.T) {
	g, r := testGrub(t)
	ctx := context.Background()
	v1, v2 := version("uuid-one"), version("uuid-two")

	require.NoError(t, g.InstallInitial(ctx, "/dev/sda", v1, blockdev.SlotA))
	s, err := g.State(ctx)
	require.NoError(t, err)
	require.False(t, s.Armed())
	require.Equal(t, "uuid-one", s.StableUUID)
	slot, err := s.DefaultSlot()
	require.NoError(t, err)
	require.Equal(t, blockdev.SlotA, slot)
	require.Equal(t, 1, r.installs)

	require.NoError(t, g.Arm(ctx, "/dev/sda", v2, blockdev.SlotB, v1, blockdev.SlotA))
	s, err = g.State(ctx)
	require.NoError(t, err)
	require.True(t, s.Armed())
	require.Equal(t, "uuid-two", s.PendingUUID)
	require.Equal(t, "uuid-one", s.PriorUUID)
	require.Equal(t, 3, s.TriesLeft)
	slot, err = s.DefaultSlot()
	require.NoError(t, err)
	require.Equal(t, blockdev.SlotB, slot)
	// Stable is untouched while pending.
	require.Equal(t, "uuid-one", s.StableUUID)

	// The host booted the pending version and reports success.
	require.NoError(t, g.Confirm(ctx, "uuid-two"))
	s, err = g.State(ctx)
	require.NoError(t, err)
	require.False(t, s.Armed())
	require.Equal(t, "uuid-two", s.StableUUID)
	require.Equal(t, blockdev.SlotB, s.StableSlot)

	// Confirm with nothing pending is a no-op.
	require.NoError(t, g.Confirm(ctx, "uuid-two"))
	s, err = g.State(ctx)
	require.NoError(t, err)
	require.Equal(t, "uuid-two", s.StableUUID)
}

func TestRenderConfigEntries(t *testing.T) {
	cfg, err := RenderConfig(3, 3, []Entry{
		{UUID: "uuid-two", Slot: blockdev.SlotB, Label: "tidewater-b", Kernel: "/k", Init: "/init", Initrd: "/ird"},
		{UUID: "uuid-one", Slot: blockdev.SlotA, Label: "tidewater-a", Kernel: "/k", Init: "/init"},
	})
	require.NoError(t, err)
	text := string(cfg)

	require.Contains(t, text, `menuentry "tidewater uuid-two (slot b)" --id uuid-two`)
	require.Contains(t, text, "search --no-floppy --label tidewater-b --set root")
	require.Contains(t, text, "root=PARTLABEL=tidewater-b ro")
	require.Contains(t, text, "initrd /ird")
	// The entry without an initrd has no initrd line.
	require.Contains(t, text, `menuentry "tidewater uuid-one (slot a)" --id uuid-one`)
	require.Equal(t, 1, strings.Count(text, "initrd "))

	// Counter chain decrements exactly once per boot, high to low.
	require.Contains(t, text, `if [ "${abctl_tries}" = "3" ]; then set tries_left=2; fi`)
	require.Contains(t, text, `if [ "${abctl_tries}" = "2" ]; then set tries_left=1; fi`)
	require.Contains(t, text, `if [ "${abctl_tries}" = "1" ]; then set tries_left=0; fi`)
	require.Contains(t, text, "save_env tries_left")
}

var decrementRe = regexp.MustCompile(`if \[ "\$\{abctl_tries\}" = "(\d+)" \]; then set tries_left=(\d+); fi`)

// simulateBoot walks the rendered script's decision logic against an
// environment block and returns the entry id the loader would start,
// mutating the counter the way save_env would.
func simulateBoot(t *testing.T, cfg string, env map[string]string) string {
	t.Helper()
	if env["pending"] == "" {
		return env["stable"]
	}
	tries := env["tries_left"]
	if tries == "" || tries == "0" {
		return env["prior"]
	}
	for _, m := range decrementRe.FindAllStringSubmatch(cfg, -1) {
		if tries == m[1] {
			env["tries_left"] = m[2]
			break
		}
	}
	return env["pending"]
}

func TestFallbackRevertsAfterTryBudget(t *testing.T) {
	g, r := testGrub(t)
	ctx := context.Background()
	v1, v2 := version("uuid-one"), version("uuid-two")

	require.NoError(t, g.InstallInitial(ctx, "/dev/sda", v1, blockdev.SlotA))
	require.NoError(t, g.Arm(ctx, "/dev/sda", v2, blockdev.SlotB, v1, blockdev.SlotA))

	cfg, err := os.ReadFile(g.cfgPath())
	require.NoError(t, err)

	// Slot B keeps failing and confirm never runs: three attempts at
	// the pending entry, then the loader reverts on its own.
	for i := 0; i < 3; i++ {
		require.Equal(t, "uuid-two", simulateBoot(t, string(cfg), r.env), "attempt %d", i+1)
	}
	require.Equal(t, "0", r.env["tries_left"])
	require.Equal(t, "uuid-one", simulateBoot(t, string(cfg), r.env))

	// The pointer still says pending; the next update run can see the
	// fallen-back state and skip reinstalling uuid-two. The default the
	// loader actually boots now is the prior slot.
	s, err := g.State(ctx)
	require.NoError(t, err)
	require.True(t, s.Armed())
	require.Equal(t, 0, s.TriesLeft)
	slot, err := s.DefaultSlot()
	require.NoError(t, err)
	require.Equal(t, blockdev.SlotA, slot)
}

func TestDefaultSlotExhaustedTries(t *testing.T) {
	s := &State{
		StableUUID: "uuid-one", StableSlot: blockdev.SlotA,
		PendingUUID: "uuid-two", PendingSlot: blockdev.SlotB,
		PriorUUID: "uuid-one", PriorSlot: blockdev.SlotA,
		TriesLeft: 2,
	}
	slot, err := s.DefaultSlot()
	require.NoError(t, err)
	require.Equal(t, blockdev.SlotB, slot)

	// Counter spent: the loader boots the prior entry even though the
	// pending keys are still set.
	s.TriesLeft = 0
	slot, err = s.DefaultSlot()
	require.NoError(t, err)
	require.Equal(t, blockdev.SlotA, slot)
}

func TestConfirmAfterFallbackDropsPending(t *testing.T) {
	g, r := testGrub(t)
	ctx := context.Background()
	v1, v2 := version("uuid-one"), version("uuid-two")

	require.NoError(t, g.InstallInitial(ctx, "/dev/sda", v1, blockdev.SlotA))
	require.NoError(t, g.Arm(ctx, "/dev/sda", v2, blockdev.SlotB, v1, blockdev.SlotA))
	r.env["tries_left"] = "0" // loader spent the counter and reverted

	// The boot-succeeded signal fires from the prior version, not the
	// pending one: the pending version must not be promoted.
	require.NoError(t, g.Confirm(ctx, "uuid-one"))
	s, err := g.State(ctx)
	require.NoError(t, err)
	require.False(t, s.Armed())
	require.Equal(t, "uuid-one", s.StableUUID)
	require.Equal(t, blockdev.SlotA, s.StableSlot)
	slot, err := s.DefaultSlot()
	require.NoError(t, err)
	require.Equal(t, blockdev.SlotA, slot)
}

func TestArmCommitsEnvironmentLast(t *testing.T) {
	g, r := testGrub(t)
	ctx := context.Background()
	v1, v2 := version("uuid-one"), version("uuid-two")

	require.NoError(t, g.InstallInitial(ctx, "/dev/sda", v1, blockdev.SlotA))

	// When the pending keys hit the env block, the two-entry config
	// must already be on disk; the env write is the commit point.
	r.onSet = func(kvs []string) {
		for _, kv := range kvs {
			if strings.HasPrefix(kv, "pending=") {
				cfg, err := os.ReadFile(g.cfgPath())
				require.NoError(t, err)
				require.Equal(t, 2, strings.Count(string(cfg), "menuentry "),
					"pending keys set before the two-entry config was written")
			}
		}
	}
	require.NoError(t, g.Arm(ctx, "/dev/sda", v2, blockdev.SlotB, v1, blockdev.SlotA))
}

func TestDefaultSlotUnprovisioned(t *testing.T) {
	s := &State{}
	_, err := s.DefaultSlot()
	require.Error(t, err)
}
