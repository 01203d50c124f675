// Package imagewriter streams a compressed image onto a raw partition.
// Decompression happens in the write path and the digest is computed
// over the decompressed plaintext as it is written; the checksum and
// size gates sit strictly after the data is flushed to stable storage,
// so a reported success is durable. A failed write leaves stale bytes
// in the target partition and nothing else: the active slot is never
// referenced here.
package imagewriter

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/tidewater-os/abctl/pkg/errors"
)

const writeBufSize = 4 << 20

// errWriter tracks whether a failure came from the device side so it
// can be told apart from a corrupt source stream.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// Write streams zstd-compressed bytes from src onto device, verifying
// the decompressed byte count and sha256 against the descriptor after
// everything is fsynced. On any mismatch the device holds known-bad
// bytes that no boot entry references.
func Write(src io.Reader, device string, expectedSize int64, expectedSHA256 string) error {
	slog.Info("image_write_start", "device", device, "expected_size", expectedSize)

	f, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return errors.EW(errors.KindIO, err, "opening "+device+" for writing")
	}
	defer f.Close()

	zr, err := zstd.NewReader(src)
	if err != nil {
		return errors.EW(errors.KindChecksumMismatch, err, "initializing decompressor")
	}
	defer zr.Close()

	dev := &errWriter{w: f}
	buf := bufio.NewWriterSize(dev, writeBufSize)
	hash := sha256.New()

	written, err := io.Copy(io.MultiWriter(buf, hash), zr)
	if err == nil {
		err = buf.Flush()
	}
	if err != nil {
		if errors.KindOf(err) != errors.KindUnknown {
			return err // source already classified (e.g. network)
		}
		if dev.err != nil {
			return errors.EW(errors.KindIO, err, "writing image to "+device)
		}
		return errors.EW(errors.KindChecksumMismatch, err, "decompressing image stream")
	}

	if err := f.Sync(); err != nil {
		return errors.EW(errors.KindIO, err, "syncing "+device)
	}

	// Gates sit after the fsync: a verified-good result is durable
	// before it is reported.
	if written != expectedSize {
		return errors.E(errors.KindSizeMismatch,
			"wrote %d bytes to %s, descriptor says %d", written, device, expectedSize)
	}
	digest := hex.EncodeToString(hash.Sum(nil))
	if digest != expectedSHA256 {
		return errors.E(errors.KindChecksumMismatch,
			"digest %s of %s does not match descriptor digest %s", digest, device, expectedSHA256)
	}

	slog.Info("image_write_verified", "device", device, "size", written, "sha256", digest)
	return nil
}

// DigestStream decompresses a zstd frame and returns the sha256 and
// byte count of the plaintext without writing it anywhere. The
// publisher fills descriptors with these values, so they are computed
// by the same decoder path Write later verifies against.
func DigestStream(src io.Reader) (string, int64, error) {
	zr, err := zstd.NewReader(src)
	if err != nil {
		return "", 0, errors.EW(errors.KindChecksumMismatch, err, "initializing decompressor")
	}
	defer zr.Close()

	hash := sha256.New()
	n, err := io.Copy(hash, zr)
	if err != nil {
		return "", 0, errors.EW(errors.KindChecksumMismatch, err, "decompressing image stream")
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// DigestDevice computes the sha256 of the first size bytes of a
// device. Used to recognize a slot that already carries a given
// version, and as an independent read-back check of a streamed write.
func DigestDevice(device string, size int64) (string, error) {
	f, err := os.Open(device)
	if err != nil {
		return "", errors.EW(errors.KindIO, err, "opening "+device)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, io.LimitReader(f, size)); err != nil {
		return "", errors.EW(errors.KindIO, err, "reading "+device)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
