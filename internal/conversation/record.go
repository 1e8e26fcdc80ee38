// Package conversation holds the UI-facing state of the single chat session:
// the ordered messages, the loading and voice-active flags, the live voice
// transcripts shown in the overlay, and the chat option toggles.
//
// Every mutation publishes a fresh [Snapshot] to subscribers. Subscriptions
// coalesce: a slow subscriber only ever sees the latest snapshot and never
// blocks a writer.
package conversation

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/goftegu/goftegu/pkg/provider/chat"
)

// Author is who wrote a message.
type Author string

const (
	AuthorUser Author = "user"
	AuthorBot  Author = "bot"
)

// Image is an inline image attached to a user message.
type Image struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Message is one entry of the conversation.
type Message struct {
	ID      string        `json:"id"`
	Author  Author        `json:"author"`
	Text    string        `json:"text"`
	Image   *Image        `json:"image,omitempty"`
	Sources []chat.Source `json:"sources,omitempty"`
	IsError bool          `json:"isError,omitempty"`
}

func (m Message) clone() Message {
	if m.Image != nil {
		img := *m.Image
		img.Data = slices.Clone(img.Data)
		m.Image = &img
	}
	m.Sources = slices.Clone(m.Sources)
	return m
}

// Options are the chat toggles.
type Options struct {
	Search   bool `json:"search"`
	Thinking bool `json:"thinking"`
}

// Snapshot is an immutable copy of the whole record.
type Snapshot struct {
	Messages       []Message `json:"messages"`
	Loading        bool      `json:"loading"`
	VoiceActive    bool      `json:"voiceActive"`
	UserTranscript string    `json:"userTranscript"`
	BotTranscript  string    `json:"botTranscript"`
	Options        Options   `json:"options"`
	Version        uint64    `json:"version"`
}

// Record is the conversation state. The zero value is not usable; use New.
// All methods are safe for concurrent use.
type Record struct {
	mu          sync.Mutex
	messages    []Message
	loading     bool
	voiceActive bool
	userLive    string
	botLive     string
	opts        Options
	version     uint64

	subs   map[int]chan Snapshot
	nextID int
}

// New returns an empty record.
func New() *Record {
	return &Record{subs: make(map[int]chan Snapshot)}
}

// Append adds m to the end of the conversation and returns it with its ID
// assigned. An ID already set on m is kept.
func (r *Record) Append(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m = m.clone()

	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.publishLocked()
	r.mu.Unlock()
	return m.clone()
}

// UpdateLast applies fn to the last message. It reports false when the
// record is empty. The message ID cannot be changed.
func (r *Record) UpdateLast(fn func(*Message)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return false
	}
	last := &r.messages[len(r.messages)-1]
	id := last.ID
	fn(last)
	last.ID = id
	r.publishLocked()
	return true
}

// Update applies fn to the message with the given ID. It reports false when
// no such message exists.
func (r *Record) Update(id string, fn func(*Message)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		if r.messages[i].ID != id {
			continue
		}
		fn(&r.messages[i])
		r.messages[i].ID = id
		r.publishLocked()
		return true
	}
	return false
}

// Messages returns a copy of the conversation, oldest first.
func (r *Record) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messagesLocked()
}

func (r *Record) messagesLocked() []Message {
	out := make([]Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.clone()
	}
	return out
}

// Reset clears the messages, the loading flag and the live transcripts.
// Options and the voice-active flag are kept.
func (r *Record) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.loading = false
	r.userLive, r.botLive = "", ""
	r.publishLocked()
}

// SetLoading sets the loading flag.
func (r *Record) SetLoading(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loading == v {
		return
	}
	r.loading = v
	r.publishLocked()
}

// Loading reports the loading flag.
func (r *Record) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// SetVoiceActive sets the voice-active flag.
func (r *Record) SetVoiceActive(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.voiceActive == v {
		return
	}
	r.voiceActive = v
	r.publishLocked()
}

// VoiceActive reports the voice-active flag.
func (r *Record) VoiceActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.voiceActive
}

// SetTranscripts sets the live overlay text of both speakers.
func (r *Record) SetTranscripts(user, bot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userLive == user && r.botLive == bot {
		return
	}
	r.userLive, r.botLive = user, bot
	r.publishLocked()
}

// SetUserTranscript sets the live overlay text of the user.
func (r *Record) SetUserTranscript(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userLive == text {
		return
	}
	r.userLive = text
	r.publishLocked()
}

// SetBotTranscript sets the live overlay text of the bot.
func (r *Record) SetBotTranscript(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.botLive == text {
		return
	}
	r.botLive = text
	r.publishLocked()
}

// ClearTranscripts empties both overlay texts.
func (r *Record) ClearTranscripts() {
	r.SetTranscripts("", "")
}

// SetOptions replaces the chat toggles.
func (r *Record) SetOptions(o Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts == o {
		return
	}
	r.opts = o
	r.publishLocked()
}

// Options returns the chat toggles.
func (r *Record) Options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// Snapshot returns a copy of the whole record.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() Snapshot {
	return Snapshot{
		Messages:       r.messagesLocked(),
		Loading:        r.loading,
		VoiceActive:    r.voiceActive,
		UserTranscript: r.userLive,
		BotTranscript:  r.botLive,
		Options:        r.opts,
		Version:        r.version,
	}
}

// Subscribe returns a channel that receives the current snapshot immediately
// and then the latest snapshot after every change. cancel closes the channel
// and must be called once the subscriber is done.
func (r *Record) Subscribe() (updates <-chan Snapshot, cancel func()) {
	ch := make(chan Snapshot, 1)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	ch <- r.snapshotLocked()
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// publishLocked bumps the version and offers the new snapshot to every
// subscriber, replacing an unread older one.
func (r *Record) publishLocked() {
	r.version++
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
