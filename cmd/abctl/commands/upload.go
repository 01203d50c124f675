package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tidewater-os/abctl/pkg/errors"
	"github.com/tidewater-os/abctl/pkg/imagewriter"
	"github.com/tidewater-os/abctl/pkg/meta"
	"github.com/tidewater-os/abctl/pkg/storage"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <meta.json> <image.zst>",
	Short: "Publish an image and its version descriptor",
	Long: `Fills in the digest, size, and uuid of a version descriptor from
the image file, uploads the image to the location the descriptor names,
and publishes the completed descriptor next to it. The digest and size
cover the decompressed image, which is what hosts verify after writing
a slot. Publishing the descriptor last makes the version visible to
hosts only once the image is fully in place.`,
	Args: cobra.ExactArgs(2),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	metaPath, imagePath := args[0], args[1]

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return errors.Wrap(err, "reading descriptor template")
	}
	// The template is allowed to be partial; Encode validates the
	// completed descriptor before anything is published.
	var v meta.Version
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.EW(errors.KindMalformedMetadata, err, "parsing descriptor template")
	}

	img, err := os.Open(imagePath)
	if err != nil {
		return errors.Wrap(err, "opening image file")
	}
	defer img.Close()

	// Hosts verify the decompressed plaintext; the descriptor has to
	// carry its digest and byte count, not the frame's.
	sha, size, err := imagewriter.DigestStream(img)
	if err != nil {
		return err
	}
	v.SHA256 = sha
	v.Size = size
	if v.Format == "" {
		v.Format = meta.FormatRawZstd
	}
	if v.Internal.UUID == "" {
		v.Internal.UUID = uuid.NewString()
	}

	encoded, err := meta.Encode(&v)
	if err != nil {
		return err
	}

	// Publishing uses the operator's own credentials from the
	// environment, never the read-only pair embedded in the descriptor.
	loc := v.Internal
	loc.AccessKey, loc.SecretKey = "", ""
	client, err := storage.NewClient(ctx, &loc)
	if err != nil {
		return err
	}

	if _, err := img.Seek(0, io.SeekStart); err != nil {
		return errors.EW(errors.KindIO, err, "rewinding image file")
	}
	fi, err := img.Stat()
	if err != nil {
		return errors.EW(errors.KindIO, err, "sizing image file")
	}
	if err := client.Put(ctx, v.Internal.ObjectPath, img, fi.Size()); err != nil {
		return err
	}
	if err := client.Put(ctx, meta.MetaKey(v.Internal.ObjectPath),
		bytes.NewReader(encoded), int64(len(encoded))); err != nil {
		return err
	}

	slog.Info("upload_complete",
		"uuid", v.Internal.UUID, "key", v.Internal.ObjectPath,
		"size", size, "sha256", v.SHA256)
	return nil
}
