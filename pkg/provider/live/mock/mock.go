// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and to get hold of the callbacks the
// caller registered, then drive them with [Session.Deliver], [Session.Fail] and
// [Session.EndRemote] to simulate the voice API.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg, cb)
//	p.Last().Deliver(live.Message{TurnComplete: true})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/provider/live"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until the channel is closed or ctx
	// is done, simulating slow negotiation.
	Block chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns a new Session bound to cb.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	block := p.Block
	connErr := p.ConnectErr
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connErr != nil {
		return nil, connErr
	}

	s := &Session{cb: cb}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Last returns the most recently connected session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Sessions returns every session connected so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu     sync.Mutex
	cb     live.Callbacks
	closed bool
	ended  bool

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Sent records every blob passed to SendAudio, in order.
	Sent []audio.EncodedBlob

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SendAudio records the blob.
func (s *Session) SendAudio(blob audio.EncodedBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ended {
		return ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, blob)
	return nil
}

// Close records the call. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentBlobs returns a copy of the blobs sent so far.
func (s *Session) SentBlobs() []audio.EncodedBlob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedBlob(nil), s.Sent...)
}

// Deliver invokes OnMessage as the remote side would. It reports false if the
// session already ended or was closed.
func (s *Session) Deliver(msg live.Message) bool {
	if !s.live() {
		return false
	}
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(msg)
	}
	return true
}

// Fail ends the session with OnError.
func (s *Session) Fail(err error) bool {
	if !s.end() {
		return false
	}
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	return true
}

// EndRemote ends the session with OnClose.
func (s *Session) EndRemote(reason string) bool {
	if !s.end() {
		return false
	}
	if s.cb.OnClose != nil {
		s.cb.OnClose(reason)
	}
	return true
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.ended
}

func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ended {
		return false
	}
	s.ended = true
	return true
}
