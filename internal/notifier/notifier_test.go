package notifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcNotifier func(ctx context.Context, ev Event) error

func (f funcNotifier) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

func TestFire_DoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	called := make(chan Event, 1)
	slow := funcNotifier(func(ctx context.Context, ev Event) error {
		called <- ev
		<-release
		return errors.New("ignored")
	})

	start := time.Now()
	Fire(slow, Event{Path: "/a"})
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	select {
	case ev := <-called:
		assert.Equal(t, "/a", ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier never ran")
	}
	close(release)
}

func TestFire_SwallowsPanics(t *testing.T) {
	done := make(chan struct{})
	Fire(funcNotifier(func(context.Context, Event) error {
		defer close(done)
		panic("speaker on fire")
	}), Event{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier never ran")
	}
	Fire(nil, Event{})
}

func TestCombine(t *testing.T) {
	assert.Equal(t, Nop{}, Combine())
	assert.Equal(t, Log{}, Combine(nil, Log{}))

	var calls atomic.Int32
	count := funcNotifier(func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	boom := funcNotifier(func(context.Context, Event) error { return errors.New("boom") })

	err := Combine(count, boom, count).Notify(context.Background(), Event{})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSound_MissingFileIsNotAnError(t *testing.T) {
	s := NewSound(filepath.Join(t.TempDir(), "done.mp3"), []string{"false"})
	assert.NoError(t, s.Notify(context.Background(), Event{}))
}

func TestSound_RunsPlayer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell")
	}
	dir := t.TempDir()
	file := filepath.Join(dir, "done.mp3")
	require.NoError(t, os.WriteFile(file, []byte("ID3"), 0o644))
	marker := filepath.Join(dir, "played")

	s := NewSound(file, []string{"sh", "-c", `cp "$0" "` + marker + `"`})
	require.NoError(t, s.Notify(context.Background(), Event{}))
	assert.FileExists(t, marker)

	failing := NewSound(file, []string{"sh", "-c", "exit 3"})
	assert.Error(t, failing.Notify(context.Background(), Event{}))

	noPlayer := &Sound{File: file}
	assert.ErrorIs(t, noPlayer.Notify(context.Background(), Event{}), ErrNoPlayer)
}

func TestWebhook_PostsEvent(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	err := NewWebhook(srv.URL).Notify(context.Background(), Event{Path: "/d/a.txt", Name: "a.txt", Time: at})
	require.NoError(t, err)

	assert.Equal(t, "upload.completed", got.Event)
	assert.Equal(t, "/d/a.txt", got.Path)
	assert.Equal(t, "a.txt", got.Name)
	assert.True(t, got.Time.Equal(at))
	assert.NotEmpty(t, got.ID)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
