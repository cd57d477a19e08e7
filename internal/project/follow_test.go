package project_test

import (
	"context"
	"io"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowStatus(t *testing.T) {
	t.Parallel()

	t.Run("Test ready project drains and ends", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		writeSentinel(t, p, ".status", "10%\tloading\n")

		r := p.FollowStatus(t.Context())
		defer r.Close()

		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "10%\tloading\n", string(got))
	})

	t.Run("Test follows until done", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		writeSentinel(t, p, ".pid", strconv.Itoa(os.Getpid()))
		writeSentinel(t, p, ".status", "first\n")

		r := p.FollowStatus(t.Context())
		defer r.Close()

		resultCh := make(chan string, 1)
		go func() {
			got, _ := io.ReadAll(r)
			resultCh <- string(got)
		}()

		time.Sleep(30 * time.Millisecond)

		f, err := os.OpenFile(p.StatusFile(), os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString("second\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		select {
		case got := <-resultCh:
			t.Fatalf("expected follow to wait for done: got '%s'", got)
		case <-time.After(50 * time.Millisecond):
		}

		writeSentinel(t, p, ".done", "0")

		select {
		case got := <-resultCh:
			assert.Equal(t, "first\nsecond\n", got)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for follow to end")
		}
	})

	t.Run("Test follow bounded by context", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		writeSentinel(t, p, ".pid", strconv.Itoa(os.Getpid()))

		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()

		_, err := io.ReadAll(p.FollowStatus(ctx))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Test closed follower ends", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		writeSentinel(t, p, ".pid", strconv.Itoa(os.Getpid()))

		r := p.FollowStatus(t.Context())
		require.NoError(t, r.Close())

		n, err := r.Read(make([]byte, 8))
		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, io.EOF)
	})
}
