package bootloader

import (
	"bytes"
	"text/template"

	"github.com/tidewater-os/abctl/pkg/blockdev"
	"github.com/tidewater-os/abctl/pkg/errors"
)

// Entry is one bootable version: a slot plus the artifact paths its
// descriptor embeds.
type Entry struct {
	UUID   string
	Slot   blockdev.Slot
	Label  string
	Kernel string
	Init   string
	Initrd string
}

type decrement struct {
	From int
	To   int
}

type cfgData struct {
	TimeoutSec int
	Decrements []decrement
	Entries    []Entry
}

// The rendered config reads every decision from the grubenv block, so
// repointing the default or confirming a slot never rewrites this file.
// GRUB script has no arithmetic; the try counter is decremented by an
// unrolled compare chain against a copy of its initial value. When the
// counter is exhausted (or missing), the loader itself reverts to the
// prior entry with no application code involved.
const grubCfgTemplate = `# Managed by abctl. Do not edit; changes are overwritten on update.
set timeout={{.TimeoutSec}}
insmod part_gpt
insmod ext2
load_env

set default="${stable}"
if [ -n "${pending}" ]; then
	if [ -z "${tries_left}" -o "${tries_left}" = "0" ]; then
		set default="${prior}"
	else
		set default="${pending}"
		set abctl_tries="${tries_left}"
{{- range .Decrements}}
		if [ "${abctl_tries}" = "{{.From}}" ]; then set tries_left={{.To}}; fi
{{- end}}
		save_env tries_left
	fi
fi
{{range .Entries}}
menuentry "tidewater {{.UUID}} (slot {{.Slot}})" --id {{.UUID}} {
	search --no-floppy --label {{.Label}} --set root
	linux {{.Kernel}} init={{.Init}} root=PARTLABEL={{.Label}} ro
{{- if .Initrd}}
	initrd {{.Initrd}}
{{- end}}
}
{{end}}`

var cfgTmpl = template.Must(template.New("grub.cfg").Parse(grubCfgTemplate))

// RenderConfig produces the grub.cfg for the given boot entries.
func RenderConfig(timeoutSec, triesBudget int, entries []Entry) ([]byte, error) {
	data := cfgData{TimeoutSec: timeoutSec, Entries: entries}
	for i := triesBudget; i >= 1; i-- {
		data.Decrements = append(data.Decrements, decrement{From: i, To: i - 1})
	}
	var buf bytes.Buffer
	if err := cfgTmpl.Execute(&buf, data); err != nil {
		return nil, errors.Wrap(err, "rendering grub config")
	}
	return buf.Bytes(), nil
}
