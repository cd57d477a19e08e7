package project

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync/atomic"
	"time"
)

// statusFollower reads the status log of a Project as it is appended to,
// managing its own offset into the file. It implements io.ReadCloser.
type statusFollower struct {
	ctx      context.Context
	p        *Project
	interval time.Duration

	position int64
	closed   atomic.Bool
}

// FollowStatus returns a reader over the raw status log that blocks for new
// lines while a process is running. It returns io.EOF once the process has
// finished and the log is drained, or ctx.Err() when ctx is done first.
func (p *Project) FollowStatus(ctx context.Context) io.ReadCloser {
	return &statusFollower{ctx: ctx, p: p, interval: p.abortPollInterval}
}

func (f *statusFollower) Read(b []byte) (int, error) {
	for {
		if f.closed.Load() {
			return 0, io.EOF
		}

		// Sampled before reading so lines written just before completion are
		// still delivered.
		running, err := f.p.Running()
		if err != nil {
			return 0, err
		}

		n, err := f.readAt(b)
		if n > 0 || err != nil {
			return n, err
		}

		if !running {
			return 0, io.EOF
		}

		select {
		case <-f.ctx.Done():
			return 0, f.ctx.Err()
		case <-time.After(f.interval):
		}
	}
}

func (f *statusFollower) readAt(b []byte) (int, error) {
	file, err := os.Open(f.p.StatusFile())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, err
	}
	defer file.Close()

	n, err := file.ReadAt(b, f.position)
	f.position += int64(n)

	if errors.Is(err, io.EOF) {
		err = nil
	}

	return n, err
}

// Close stops following. Subsequent reads return io.EOF.
func (f *statusFollower) Close() error {
	f.closed.Store(true)

	return nil
}
