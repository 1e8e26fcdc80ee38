package device

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/goftegu/goftegu/pkg/audio"
)

var _ audio.Microphone = (*Microphone)(nil)

// Microphone captures from the default input device.
type Microphone struct {
	ctx *Context

	// PeriodMillis is the device callback period. Zero means 20 ms.
	PeriodMillis uint32
}

// NewMicrophone returns a microphone backed by ctx.
func NewMicrophone(ctx *Context) *Microphone {
	return &Microphone{ctx: ctx}
}

// Open implements [audio.Microphone]. It captures 16-bit PCM and converts it
// to float32. onSamples runs on a delivery goroutine, not on the device
// thread. Periods arriving while [DefaultQueuePeriods] are already waiting
// are dropped.
func (m *Microphone) Open(ctx context.Context, f audio.Format, onSamples func([]float32)) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := m.ctx.malgoContext()
	if err != nil {
		return nil, &audio.DeviceError{Op: "open microphone", Err: err}
	}

	period := m.PeriodMillis
	if period == 0 {
		period = 20
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = period

	s := newInputStream(onSamples, DefaultQueuePeriods)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			s.deliver(in)
		},
	}

	dev, err := malgo.InitDevice(mctx, cfg, callbacks)
	if err != nil {
		s.shutdown()
		return nil, classify("microphone", "init", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		s.shutdown()
		return nil, classify("microphone", "start", err)
	}
	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
	return s, nil
}

// DefaultQueuePeriods is how many device periods may wait for onSamples
// before newer periods are dropped.
const DefaultQueuePeriods = 32

// inputStream decouples the miniaudio callback thread from onSamples. The
// callback only converts and enqueues; a delivery goroutine calls onSamples
// in capture order.
type inputStream struct {
	mu  sync.Mutex
	dev *malgo.Device

	onSamples func([]float32)
	queue     chan []float32
	delivered chan struct{}
	closed    atomic.Bool
	dropped   atomic.Int64
	stopOnce  sync.Once
}

func newInputStream(onSamples func([]float32), periods int) *inputStream {
	s := &inputStream{
		onSamples: onSamples,
		queue:     make(chan []float32, periods),
		delivered: make(chan struct{}),
	}
	go s.run()
	return s
}

// deliver runs on the device thread and never blocks.
func (s *inputStream) deliver(pcm []byte) {
	if s.closed.Load() {
		return
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	select {
	case s.queue <- samples:
	default:
		s.dropped.Add(1)
	}
}

func (s *inputStream) run() {
	defer close(s.delivered)
	for samples := range s.queue {
		if s.closed.Load() {
			continue
		}
		s.onSamples(samples)
		if n := s.dropped.Swap(0); n > 0 {
			slog.Warn("microphone: consumer too slow, periods dropped", "periods", n)
		}
	}
}

// shutdown ends the delivery goroutine and waits for it. The device must
// already be stopped so that no deliver call is in flight.
func (s *inputStream) shutdown() {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.queue)
	})
	<-s.delivered
}

// Close implements [audio.InputStream].
func (s *inputStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()

	var err error
	if dev != nil {
		err = dev.Stop()
		dev.Uninit()
	}
	s.shutdown()
	if err != nil {
		return classify("microphone", "stop", err)
	}
	return nil
}
