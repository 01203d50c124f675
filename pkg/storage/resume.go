package storage

import (
	"context"
	"io"
	"log/slog"

	"github.com/tidewater-os/abctl/pkg/errors"
)

// StreamOpener opens a sequential read of one object starting at the
// given byte offset, returning the stream and the total object size.
// *Client.OpenStream satisfies this.
type StreamOpener func(ctx context.Context, offset int64) (io.ReadCloser, int64, error)

// ResumingReader presents one logical byte stream over an object,
// re-issuing a range request from the current offset when the
// underlying transfer drops or ends short. It also refuses to read past
// the advertised object size, so a transfer layer that appends stray
// trailing bytes cannot leak them into the hash downstream.
type ResumingReader struct {
	ctx        context.Context
	open       StreamOpener
	body       io.ReadCloser
	offset     int64
	total      int64
	resumes    int
	maxResumes int
	lastErr    error
}

// NewResumingReader starts a resumable stream. maxResumes bounds how
// many times a broken transfer is reopened before the network error is
// surfaced.
func NewResumingReader(ctx context.Context, open StreamOpener, maxResumes int) (*ResumingReader, error) {
	r := &ResumingReader{ctx: ctx, open: open, maxResumes: maxResumes, total: -1}
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

// Size returns the total object size advertised by the store.
func (r *ResumingReader) Size() int64 { return r.total }

func (r *ResumingReader) reopen() error {
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
	body, total, err := r.open(r.ctx, r.offset)
	if err != nil {
		return err
	}
	if r.total < 0 {
		r.total = total
	}
	r.body = body
	return nil
}

func (r *ResumingReader) Read(p []byte) (int, error) {
	for {
		if r.total >= 0 && r.offset >= r.total {
			return 0, io.EOF
		}
		if r.total >= 0 && int64(len(p)) > r.total-r.offset {
			p = p[:r.total-r.offset]
		}

		n, err := r.body.Read(p)
		r.offset += int64(n)
		if err == nil || (err == io.EOF && r.offset >= r.total) {
			if err == io.EOF && n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}

		// Dropped connection, or the body ended before the advertised
		// size (a short read looks like a clean EOF).
		r.lastErr = err
		r.resumes++
		if r.resumes > r.maxResumes {
			return n, errors.EW(errors.KindNetwork, err,
				"image stream failed after retries")
		}
		slog.Warn("stream_resume", "offset", r.offset, "total", r.total, "attempt", r.resumes, "error", err)
		if rerr := r.reopen(); rerr != nil {
			return n, rerr
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Close releases the underlying body.
func (r *ResumingReader) Close() error {
	if r.body == nil {
		return nil
	}
	return r.body.Close()
}
