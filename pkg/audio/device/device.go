// Package device binds the voice pipeline to the host's sound hardware.
//
// Capture and playback go through miniaudio (github.com/gen2brain/malgo).
// Playback can alternatively use github.com/ebitengine/oto/v3. Both playback
// backends pull PCM from a [render.Renderer], so the output clock the
// scheduler reads advances at the speaker's pace.
//
// This package requires cgo.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/goftegu/goftegu/pkg/audio"
)

// Context owns the miniaudio context shared by every device opened through
// it. Create one per process with [NewContext] and close it at shutdown.
type Context struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// NewContext initialises miniaudio.
func NewContext() (*Context, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, &audio.DeviceError{Op: "init", Err: err}
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the miniaudio context. Devices opened from it must already
// be closed. Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.ctx.Uninit()
	c.ctx.Free()
	if err != nil {
		return fmt.Errorf("device: uninit: %w", err)
	}
	return nil
}

func (c *Context) malgoContext() (malgo.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return malgo.Context{}, errors.New("device: context closed")
	}
	return c.ctx.Context, nil
}

// classify maps a miniaudio failure onto the pipeline's error kinds.
func classify(device, op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return &audio.PermissionError{Device: device, Err: err}
	}
	return &audio.DeviceError{Op: op + " " + device, Err: err}
}
