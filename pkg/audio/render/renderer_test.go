package render_test

import (
	"encoding/binary"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/audio/render"
)

const rate = 1000 // one frame per millisecond keeps the arithmetic readable

func constBuffer(v float32, frames int) *audio.Buffer {
	s := make([]float32, frames)
	for i := range s {
		s[i] = v
	}
	return &audio.Buffer{Samples: [][]float32{s}, SampleRate: rate}
}

func TestRenderer_ClockAdvances(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	if got := r.Now(); got != 0 {
		t.Fatalf("Now = %v, want 0", got)
	}
	r.Render(make([]float32, 250))
	if got := r.Now(); got != 250*time.Millisecond {
		t.Errorf("Now = %v, want 250ms", got)
	}
}

func TestRenderer_StartsOnExactFrame(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	r.Schedule(constBuffer(0.5, 4), 3*time.Millisecond, nil)

	out := make([]float32, 10)
	r.Render(out)
	want := []float32{0, 0, 0, 0.5, 0.5, 0.5, 0.5, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

func TestRenderer_SequentialBuffersAreGapless(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	r.Schedule(constBuffer(0.25, 3), 0, nil)
	r.Schedule(constBuffer(0.75, 3), 3*time.Millisecond, nil)

	out := make([]float32, 6)
	r.Render(out)
	want := []float32{0.25, 0.25, 0.25, 0.75, 0.75, 0.75}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

func TestRenderer_PastStartPlaysImmediately(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	r.Render(make([]float32, 5))
	r.Schedule(constBuffer(0.5, 2), 0, nil)

	out := make([]float32, 3)
	r.Render(out)
	if out[0] != 0.5 || out[1] != 0.5 || out[2] != 0 {
		t.Errorf("out = %v, want [0.5 0.5 0]", out)
	}
}

func TestRenderer_OnEndedFiresOnce(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	var ended atomic.Int32
	r.Schedule(constBuffer(0.1, 4), 0, func() { ended.Add(1) })

	r.Render(make([]float32, 2))
	if ended.Load() != 0 {
		t.Fatal("onEnded fired before the buffer finished")
	}
	r.Render(make([]float32, 2))
	r.Render(make([]float32, 2))
	if got := ended.Load(); got != 1 {
		t.Errorf("onEnded fired %d times, want 1", got)
	}
	if got := r.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}

func TestRenderer_StopSilencesSource(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	var ended atomic.Bool
	src := r.Schedule(constBuffer(0.5, 10), 0, func() { ended.Store(true) })

	r.Render(make([]float32, 2))
	src.Stop()
	src.Stop()

	out := make([]float32, 4)
	r.Render(out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v after Stop, want silence", i, v)
		}
	}
	if ended.Load() {
		t.Error("onEnded fired for a stopped source")
	}
}

func TestRenderer_MixesAndClamps(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	r.Schedule(constBuffer(0.75, 2), 0, nil)
	r.Schedule(constBuffer(0.75, 2), 0, nil)

	out := make([]float32, 2)
	r.Render(out)
	if out[0] != 1 || out[1] != 1 {
		t.Errorf("out = %v, want clamped to 1", out)
	}
}

func TestRenderer_MonoToStereo(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 2})
	r.Schedule(constBuffer(0.5, 2), 0, nil)

	out := make([]float32, 4)
	r.Render(out)
	for i, v := range out {
		if v != 0.5 {
			t.Fatalf("out[%d] = %v, want 0.5 on both channels", i, v)
		}
	}
}

func TestRenderer_ReadPCM(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	r.Schedule(constBuffer(0.5, 2), 0, nil)

	p := make([]byte, 5) // rounds down to 2 frames
	n, err := r.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	if got := int16(binary.LittleEndian.Uint16(p)); got != 16384 {
		t.Errorf("first sample = %d, want 16384", got)
	}
}

func TestRenderer_Close(t *testing.T) {
	t.Parallel()

	r := render.New(audio.Format{SampleRate: rate, Channels: 1})
	r.Schedule(constBuffer(0.5, 10), 0, nil)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := r.Active(); got != 0 {
		t.Errorf("Active = %d after Close, want 0", got)
	}
	if _, err := r.Read(make([]byte, 8)); err != io.EOF {
		t.Errorf("Read after Close: err = %v, want io.EOF", err)
	}
}
