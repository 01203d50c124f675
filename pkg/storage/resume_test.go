package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidewater-os/abctl/pkg/errors"
)

// flakyStore serves an object whose connections drop after a fixed
// number of bytes, like a remote that keeps resetting mid-transfer.
type flakyStore struct {
	data      []byte
	dropAfter int // bytes per connection before failing; 0 = never
	opens     int
}

type flakyBody struct {
	r      *bytes.Reader
	left   int
	broken bool
}

func (b *flakyBody) Read(p []byte) (int, error) {
	if b.left > 0 && len(p) > b.left {
		p = p[:b.left]
	}
	n, err := b.r.Read(p)
	if b.left > 0 {
		b.left -= n
		if b.left == 0 && err == nil {
			return n, stderrors.New("connection reset by peer")
		}
	}
	return n, err
}

func (b *flakyBody) Close() error { return nil }

func (s *flakyStore) open(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
	s.opens++
	body := &flakyBody{
		r:    bytes.NewReader(s.data[offset:]),
		left: s.dropAfter,
	}
	return body, int64(len(s.data)) - offset, nil
}

func TestResumingReaderCleanStream(t *testing.T) {
	store := &flakyStore{data: []byte("hello, image bytes")}
	r, err := NewResumingReader(context.Background(), store.open, 3)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, store.data, got)
	require.Equal(t, 1, store.opens)
	require.Equal(t, int64(len(store.data)), r.Size())
}

func TestResumingReaderResumesAfterDrops(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	store := &flakyStore{data: data, dropAfter: 333}
	r, err := NewResumingReader(context.Background(), store.open, 10)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Greater(t, store.opens, 1)
}

func TestResumingReaderGivesUp(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)
	store := &flakyStore{data: data, dropAfter: 10}
	r, err := NewResumingReader(context.Background(), store.open, 2)
	require.NoError(t, err)
	defer r.Close()

	_, err = io.ReadAll(r)
	require.Error(t, err)
	require.Equal(t, errors.KindNetwork, errors.KindOf(err))
}

func TestResumingReaderTruncatesTrailingBytes(t *testing.T) {
	// A store whose second connection serves one stray extra byte; the
	// reader must stop at the advertised size.
	data := []byte("exactly-32-bytes-of-image-data!!")
	store := &flakyStore{data: append(data, '\n'), dropAfter: 0}
	open := func(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
		body, _, err := store.open(ctx, offset)
		return body, int64(len(data)) - offset, err
	}

	r, err := NewResumingReader(context.Background(), open, 3)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
