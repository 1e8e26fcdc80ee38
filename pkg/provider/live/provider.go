// Package live defines the Provider interface for streaming voice APIs.
//
// A live provider wraps a hosted speech-to-speech service that accepts a
// continuous upstream of PCM audio and replies with transcript fragments,
// turn-complete markers and synthesised audio chunks over one stateful
// connection. Gemini Live's BidiGenerateContent is the reference protocol.
//
// Inbound traffic is delivered through [Callbacks] rather than channels so
// that the voice controller sees every message in arrival order on a single
// goroutine and can drop late messages from a session it already stopped.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"

	"github.com/goftegu/goftegu/pkg/audio"
)

// Message is one inbound protocol message. Any combination of fields may be
// set; zero values mean "absent".
type Message struct {
	// InputTranscription is a fragment of what the model heard the user say.
	InputTranscription string

	// OutputTranscription is a fragment of the text of the model's spoken reply.
	OutputTranscription string

	// Text holds any text parts of the model turn.
	Text string

	// Audio holds the model turn's inline audio parts, still base64 encoded.
	// For Gemini Live these are 16-bit PCM at 24 kHz mono.
	Audio []audio.EncodedBlob

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Interrupted reports that the user started speaking over the model and the
	// rest of the current reply was discarded server-side.
	Interrupted bool
}

// Empty reports whether m carries nothing the pipeline acts on.
func (m Message) Empty() bool {
	return m.InputTranscription == "" && m.OutputTranscription == "" && m.Text == "" &&
		len(m.Audio) == 0 && !m.TurnComplete && !m.Interrupted
}

// Callbacks receives inbound events of a session.
//
// OnMessage is invoked in arrival order from a single goroutine. OnError and
// OnClose are terminal: at most one of them fires, at most once, and no
// OnMessage follows it. None of them fires after the local side called
// [Session.Close]. Callbacks must not block for long; they may call
// [Session.Close].
type Callbacks struct {
	OnMessage func(Message)
	OnError   func(error)
	OnClose   func(reason string)
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name (e.g. "Zephyr").
	Voice string

	// Instructions is the system instruction for the model.
	Instructions string

	// InputTranscription asks the provider to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the provider to transcribe its own speech.
	OutputTranscription bool
}

// Session is an open connection to the voice API. A Session is not reusable:
// every voice session opens a new one.
type Session interface {
	// SendAudio pushes one encoded frame upstream. Returns an error once the
	// session is closed.
	SendAudio(blob audio.EncodedBlob) error

	// Close terminates the connection. Close is idempotent and never invokes
	// the terminal callbacks.
	Close() error
}

// Provider is the abstraction over any streaming voice backend.
type Provider interface {
	// Connect dials the voice API, sends the session setup and returns once the
	// service has acknowledged it. ctx bounds the negotiation only. Callbacks may
	// start firing before Connect returns.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (Session, error)
}
