// Package meta implements the version descriptor codec. A descriptor
// is published as `<object_path>.meta` next to the image it describes,
// and a copy is baked into every installed image at CurrentPath so the
// running system always knows its own version.
package meta

import (
	"encoding/json"
	"os"

	"github.com/tidewater-os/abctl/pkg/errors"
)

// FormatRawZstd is the only image format the engine understands: a raw
// partition image compressed with zstd.
const FormatRawZstd = "raw+zstd"

// Suffix is appended to an image's object path to form its descriptor key.
const Suffix = ".meta"

// CurrentPath is where each image carries its own serialized descriptor.
const CurrentPath = "/tidewater.json"

// Internal is the part of the descriptor consumed by the engine itself:
// where to look for newer versions and which artifacts the boot entry
// references.
type Internal struct {
	// Region is an AWS region name or a custom http(s) endpoint URL.
	Region     string `json:"region"`
	Bucket     string `json:"bucket"`
	ObjectPath string `json:"object_path"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	UUID       string `json:"uuid"`
	// Paths inside the image, used verbatim in the boot entry.
	Kernel string `json:"der_bzimage"`
	Init   string `json:"der_init"`
	Initrd string `json:"der_initrd"`
}

// Version is the full published descriptor.
type Version struct {
	SHA256   string   `json:"sha256"`
	Size     int64    `json:"size"`
	Format   string   `json:"format"`
	Internal Internal `json:"internal"`
}

// InstallConfig is the document handed to `abctl install`: the slot
// size to carve and the bundled first version.
type InstallConfig struct {
	// SizeGiB is the maximum image size; both slots are carved this big.
	SizeGiB     int64   `json:"size"`
	Version     Version `json:"version"`
	VersionPath string  `json:"version_path"`
}

// MetaKey returns the object key of the descriptor companion for an
// image stored at objectPath.
func MetaKey(objectPath string) string {
	return objectPath + Suffix
}

// Decode parses and validates a descriptor.
func Decode(data []byte) (*Version, error) {
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.EW(errors.KindMalformedMetadata, err, "parsing version descriptor")
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// Encode serializes a descriptor. Encode(Decode(b)) is stable and
// Decode(Encode(m)) == m for every valid m.
func Encode(v *Version) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Validate checks the required fields of a descriptor.
func (v *Version) Validate() error {
	if !validSHA256(v.SHA256) {
		return errors.E(errors.KindMalformedMetadata, "sha256 %q is not 64 hex characters", v.SHA256)
	}
	if v.Size <= 0 {
		return errors.E(errors.KindMalformedMetadata, "size %d is not positive", v.Size)
	}
	if v.Format == "" {
		return errors.E(errors.KindMalformedMetadata, "format is empty")
	}
	if v.Internal.Bucket == "" {
		return errors.E(errors.KindMalformedMetadata, "internal.bucket is empty")
	}
	if v.Internal.ObjectPath == "" {
		return errors.E(errors.KindMalformedMetadata, "internal.object_path is empty")
	}
	if v.Internal.UUID == "" {
		return errors.E(errors.KindMalformedMetadata, "internal.uuid is empty")
	}
	return nil
}

func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// ReadCurrent loads the running system's own descriptor.
func ReadCurrent(path string) (*Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading current system descriptor")
	}
	return Decode(data)
}

// ReadInstallConfig loads and validates an install configuration.
func ReadInstallConfig(path string) (*InstallConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading install config")
	}
	var cfg InstallConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.EW(errors.KindMalformedMetadata, err, "parsing install config")
	}
	if cfg.SizeGiB <= 0 {
		return nil, errors.E(errors.KindMalformedMetadata, "install size %d GiB is not positive", cfg.SizeGiB)
	}
	if cfg.VersionPath == "" {
		return nil, errors.E(errors.KindMalformedMetadata, "version_path is empty")
	}
	if err := cfg.Version.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
