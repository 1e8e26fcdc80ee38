package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/audio/render"
)

var (
	_ audio.Speaker = (*Speaker)(nil)
	_ audio.Speaker = (*OtoSpeaker)(nil)
)

// output pairs a renderer with the device that drains it.
type output struct {
	*render.Renderer
	once    sync.Once
	release func() error
	err     error
}

// Close halts all sources, then stops the device. Close is idempotent.
func (o *output) Close() error {
	o.once.Do(func() {
		_ = o.Renderer.Close()
		o.err = o.release()
	})
	return o.err
}

// ─── miniaudio ───────────────────────────────────────────────────────────────

// Speaker plays through the default output device with miniaudio. Every
// OpenOutput creates a new device, so each voice session gets its own clock.
type Speaker struct {
	ctx *Context
}

// NewSpeaker returns a speaker backed by ctx.
func NewSpeaker(ctx *Context) *Speaker {
	return &Speaker{ctx: ctx}
}

// OpenOutput implements [audio.Speaker].
func (s *Speaker) OpenOutput(ctx context.Context, f audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := s.ctx.malgoContext()
	if err != nil {
		return nil, &audio.DeviceError{Op: "open speaker", Err: err}
	}

	r := render.New(f)
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(r.Format().Channels)
	cfg.SampleRate = uint32(f.SampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			if _, err := r.Read(out); err != nil {
				clear(out)
			}
		},
	}
	dev, err := malgo.InitDevice(mctx, cfg, callbacks)
	if err != nil {
		return nil, classify("speaker", "init", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify("speaker", "start", err)
	}

	return &output{
		Renderer: r,
		release: func() error {
			err := dev.Stop()
			dev.Uninit()
			if err != nil {
				return fmt.Errorf("device: stop speaker: %w", err)
			}
			return nil
		},
	}, nil
}

// ─── oto ─────────────────────────────────────────────────────────────────────

// OtoSpeaker plays through oto. oto allows a single context per process, so
// the first OpenOutput fixes the format; later calls must request the same
// one. Each output is a separate oto player.
type OtoSpeaker struct {
	// BufferSize is oto's internal buffer in bytes. Zero lets oto choose.
	BufferSize int

	once   sync.Once
	ctx    *oto.Context
	format audio.Format
	err    error
}

// OpenOutput implements [audio.Speaker].
func (s *OtoSpeaker) OpenOutput(ctx context.Context, f audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.once.Do(func() {
		s.format = f
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: max(f.Channels, 1),
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   s.BufferSize,
		})
		if err != nil {
			s.err = &audio.DeviceError{Op: "init speaker", Err: err}
			return
		}
		<-ready
		s.ctx = otoCtx
	})
	if s.err != nil {
		return nil, s.err
	}
	if f != s.format {
		return nil, &audio.DeviceError{
			Op:  "open speaker",
			Err: fmt.Errorf("oto is fixed at %v, got %v", s.format, f),
		}
	}

	r := render.New(f)
	player := s.ctx.NewPlayer(r)
	player.Play()
	return &output{
		Renderer: r,
		release: func() error {
			if err := player.Close(); err != nil {
				return fmt.Errorf("device: close player: %w", err)
			}
			return nil
		},
	}, nil
}
