package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"

	"github.com/openmined/drivesync/internal/utils"
)

var ErrNoPlayer = errors.New("no sound player configured")

// Sound plays a sound file through an external player command. A sound that
// is still playing is not interrupted; overlapping notifications are skipped.
type Sound struct {
	File    string
	Command []string

	playing sync.Mutex
}

// NewSound plays file with command, or with the platform default player when
// command is empty.
func NewSound(file string, command []string) *Sound {
	if len(command) == 0 {
		command = DefaultPlayer()
	}
	return &Sound{File: file, Command: command}
}

// DefaultPlayer returns a player command line for the current platform.
func DefaultPlayer() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"afplay"}
	case "linux":
		return []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"}
	default:
		return nil
	}
}

func (s *Sound) Notify(ctx context.Context, _ Event) error {
	if !utils.FileExists(s.File) {
		slog.Warn("sound file not found", "path", s.File)
		return nil
	}
	if len(s.Command) == 0 {
		return ErrNoPlayer
	}
	if !s.playing.TryLock() {
		return nil
	}
	defer s.playing.Unlock()

	args := append(append([]string{}, s.Command[1:]...), s.File)
	out, err := exec.CommandContext(ctx, s.Command[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("play %s: %w: %s", s.File, err, out)
	}
	return nil
}
