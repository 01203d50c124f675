// Package storage talks to the S3-compatible store that distributes
// version images and their descriptor companions. It fails fast with
// typed error kinds; retry policy lives with the caller.
package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/tidewater-os/abctl/pkg/errors"
	"github.com/tidewater-os/abctl/pkg/meta"
)

// maxMetaSize bounds the descriptor read; a descriptor is a few
// hundred bytes, anything near this limit is garbage.
const maxMetaSize = 1 << 20

// Client provides read access to one image location in the store.
type Client struct {
	s3Client *s3.Client
	bucket   string
	key      string
}

// NewClient builds a client from the location block of a descriptor.
// Credentials in the descriptor are read-only; when absent, the default
// AWS chain (env vars etc.) is used, which is what the publisher relies
// on. A Region value that is an http(s) URL selects a custom endpoint
// with path-style addressing.
func NewClient(ctx context.Context, loc *meta.Internal) (*Client, error) {
	slog.Info("s3_client_init", "bucket", loc.Bucket, "region", loc.Region, "key", loc.ObjectPath)

	opts := []func(*awsconfig.LoadOptions) error{}
	endpoint := ""
	if strings.HasPrefix(loc.Region, "http://") || strings.HasPrefix(loc.Region, "https://") {
		endpoint = loc.Region
		opts = append(opts, awsconfig.WithRegion("us-east-1"))
	} else {
		opts = append(opts, awsconfig.WithRegion(loc.Region))
	}
	if loc.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(loc.AccessKey, loc.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3Client: s3Client,
		bucket:   loc.Bucket,
		key:      loc.ObjectPath,
	}, nil
}

// FetchMetadata downloads and decodes the descriptor companion
// published at `<key>.meta`.
func (c *Client) FetchMetadata(ctx context.Context) (*meta.Version, error) {
	metaKey := meta.MetaKey(c.key)
	slog.Info("s3_fetch_metadata", "bucket", c.bucket, "key", metaKey)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(metaKey),
	})
	if err != nil {
		return nil, classify(err, "fetching version descriptor")
	}
	defer result.Body.Close()

	data, err := io.ReadAll(io.LimitReader(result.Body, maxMetaSize))
	if err != nil {
		return nil, errors.EW(errors.KindNetwork, err, "reading version descriptor")
	}
	return meta.Decode(data)
}

// OpenStream starts a sequential read of the image object at the given
// byte offset and returns the body plus the total object size. The
// caller resumes an interrupted transfer by re-issuing with the number
// of bytes it already consumed; nothing is buffered here.
func (c *Client) OpenStream(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	result, err := c.s3Client.GetObject(ctx, input)
	if err != nil {
		return nil, 0, classify(err, "opening image stream")
	}

	total := offset
	if result.ContentLength != nil {
		total += *result.ContentLength
	}
	slog.Info("s3_stream_open", "bucket", c.bucket, "key", c.key, "offset", offset, "total", total)
	return result.Body, total, nil
}

// Put uploads an object. Only the publisher (`abctl upload`) writes to
// the store; the engine on hosts never does.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	slog.Info("s3_put", "bucket", c.bucket, "key", key, "size", size)

	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return classify(err, "uploading "+key)
	}
	return nil
}

// classify maps an SDK failure onto the engine's error taxonomy.
func classify(err error, msg string) error {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return errors.EW(errors.KindNotFound, err, msg)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
			return errors.EW(errors.KindAuth, err, msg)
		}
	}
	return errors.EW(errors.KindNetwork, err, msg)
}
