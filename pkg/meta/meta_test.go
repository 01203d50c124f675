package meta

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidewater-os/abctl/pkg/errors"
)

func validVersion() *Version {
	return &Version{
		SHA256: strings.Repeat("ab", 32),
		Size:   2147483648,
		Format: FormatRawZstd,
		Internal: Internal{
			Region:     "us-east-1",
			Bucket:     "images",
			ObjectPath: "os/release-42.img",
			AccessKey:  "AKIAEXAMPLE",
			SecretKey:  "secret",
			UUID:       "0b8e4c2e-9c1d-4a7e-8f3b-2d1c5a6e7f90",
			Kernel:     "/boot-artifacts/bzImage",
			Init:       "/init",
			Initrd:     "/boot-artifacts/initrd",
		},
	}
}

func TestRoundTrip(t *testing.T) {
	m := validVersion()
	data, err := Encode(m)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, m, back)
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Version)
	}{
		{"short sha256", func(v *Version) { v.SHA256 = "abcd" }},
		{"uppercase sha256", func(v *Version) { v.SHA256 = strings.Repeat("AB", 32) }},
		{"non-hex sha256", func(v *Version) { v.SHA256 = strings.Repeat("zz", 32) }},
		{"zero size", func(v *Version) { v.Size = 0 }},
		{"negative size", func(v *Version) { v.Size = -1 }},
		{"empty format", func(v *Version) { v.Format = "" }},
		{"empty bucket", func(v *Version) { v.Internal.Bucket = "" }},
		{"empty object path", func(v *Version) { v.Internal.ObjectPath = "" }},
		{"empty uuid", func(v *Version) { v.Internal.UUID = "" }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			v := validVersion()
			tt.mutate(v)
			data, err := json.Marshal(v)
			require.NoError(t, err)
			_, err = Decode(data)
			require.Error(t, err)
			require.Equal(t, errors.KindMalformedMetadata, errors.KindOf(err))
		})
	}
}

func TestDecodeRejectsNonNumericSize(t *testing.T) {
	doc := `{"sha256":"` + strings.Repeat("ab", 32) + `","size":"two gigabytes","format":"raw+zstd","internal":{}}`
	_, err := Decode([]byte(doc))
	require.Error(t, err)
	require.Equal(t, errors.KindMalformedMetadata, errors.KindOf(err))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	require.Equal(t, errors.KindMalformedMetadata, errors.KindOf(err))
}

func TestMetaKey(t *testing.T) {
	require.Equal(t, "os/release-42.img.meta", MetaKey("os/release-42.img"))
}

func TestReadCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tidewater.json")

	m := validVersion()
	data, err := Encode(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	back, err := ReadCurrent(path)
	require.NoError(t, err)
	require.Equal(t, m.Internal.UUID, back.Internal.UUID)

	_, err = ReadCurrent(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestReadInstallConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "install.json")

	m := validVersion()
	vdata, err := Encode(m)
	require.NoError(t, err)
	doc := `{"size": 2, "version": ` + string(vdata) + `, "version_path": "/bundle/image.zst"}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := ReadInstallConfig(path)
	require.NoError(t, err)
	require.Equal(t, int64(2), cfg.SizeGiB)
	require.Equal(t, "/bundle/image.zst", cfg.VersionPath)
	require.Equal(t, m.SHA256, cfg.Version.SHA256)

	bad := `{"size": 0, "version": ` + string(vdata) + `, "version_path": "/bundle/image.zst"}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
	_, err = ReadInstallConfig(path)
	require.Error(t, err)
}
