// Package capture takes still images by running an external camera command
// once per shot.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/rvm.kiosk/internal/detection"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
	"github.com/banshee-data/rvm.kiosk/internal/timeutil"
)

const component = "capture"

// PathPlaceholder is replaced by the output file in each argument.
const PathPlaceholder = "{path}"

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("capture device released")

// DefaultCommand captures one JPEG from a Raspberry Pi camera without preview.
func DefaultCommand() []string {
	return []string{"libcamera-still", "-n", "-t", "1", "--immediate", "-o", PathPlaceholder}
}

const DefaultShotDelay = 500 * time.Millisecond

// Runner executes a command. The default runs it with os/exec.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Command implements detection.Capturer.
type Command struct {
	Dir       string
	Args      []string
	ShotDelay time.Duration
	Timeout   time.Duration

	run   Runner
	clock timeutil.Clock

	mu     sync.Mutex
	closed bool
}

var _ detection.Capturer = (*Command)(nil)

// New returns a capturer writing into dir. A nil args uses DefaultCommand.
func New(dir string, args []string, shotDelay time.Duration, clock timeutil.Clock) *Command {
	if len(args) == 0 {
		args = DefaultCommand()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Command{
		Dir:       dir,
		Args:      args,
		ShotDelay: shotDelay,
		Timeout:   10 * time.Second,
		run:       execRunner,
		clock:     clock,
	}
}

// Capture takes count shots, pausing ShotDelay after each successful one. A
// failed shot is skipped: the handles returned are the shots that exist, and
// the error joins every failure.
func (c *Command) Capture(ctx context.Context, count int) ([]string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	var (
		handles []string
		errs    []error
	)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		path := filepath.Join(c.Dir, FileName(c.clock.Now(), i))
		if err := c.shoot(ctx, path); err != nil {
			monitoring.Warnf(component, "shot %d failed: %v", i+1, err)
			errs = append(errs, fmt.Errorf("shot %d: %w", i+1, err))
			continue
		}
		handles = append(handles, path)
		c.clock.Sleep(c.ShotDelay)
	}

	monitoring.Debugf(component, "captured %d/%d shots", len(handles), count)
	return handles, errors.Join(errs...)
}

func (c *Command) shoot(ctx context.Context, path string) error {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = strings.ReplaceAll(a, PathPlaceholder, path)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if err := c.run(ctx, args[0], args[1:]...); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no image written: %w", err)
	}
	return nil
}

// Close releases the capture device. Later captures fail with ErrClosed.
func (c *Command) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FileName is img_<YYYYMMDD_HHMMSS_micro>_<index>.jpg.
func FileName(at time.Time, index int) string {
	return fmt.Sprintf("img_%s_%06d_%d.jpg", at.Format("20060102_150405"), at.Nanosecond()/1000, index)
}
