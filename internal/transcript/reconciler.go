// Package transcript folds the incremental transcript events of a voice
// session into a conversation history.
//
// The voice API streams what it heard (user) and what it is saying (bot) as
// small text fragments. A [Reconciler] accumulates them per speaker until the
// API marks the turn complete, then records one labelled entry per speaker. At
// the end of the session the entries are flushed as a single summary.
//
// A [Typewriter] drives the character-by-character reveal of the bot's live
// transcript. It is display-only and never touches the history.
package transcript

import (
	"strings"
)

// Speaker identifies who a fragment belongs to.
type Speaker int

const (
	// User is the person at the microphone.
	User Speaker = iota
	// Bot is the voice model.
	Bot
)

// Label returns the display label a finished entry starts with.
func (s Speaker) Label() string {
	switch s {
	case User:
		return "شما"
	case Bot:
		return "ربات"
	default:
		return "?"
	}
}

// String returns the English name of the speaker, for logs.
func (s Speaker) String() string {
	switch s {
	case User:
		return "user"
	case Bot:
		return "bot"
	default:
		return "unknown"
	}
}

// SummaryHeader starts the summary emitted by [Reconciler.Flush].
const SummaryHeader = "### خلاصه مکالمه صوتی\n\n"

// entrySeparator separates history entries in the summary.
const entrySeparator = "\n\n"

// Reconciler accumulates fragments per speaker and records finished turns.
//
// A Reconciler is not safe for concurrent use; the voice controller owns it
// and serializes every call.
type Reconciler struct {
	user    strings.Builder
	bot     strings.Builder
	history []string
}

// Reset clears both accumulators and the history.
func (r *Reconciler) Reset() {
	r.user.Reset()
	r.bot.Reset()
	r.history = nil
}

// OnFragment appends text to the speaker's accumulator.
func (r *Reconciler) OnFragment(sp Speaker, text string) {
	switch sp {
	case User:
		r.user.WriteString(text)
	case Bot:
		r.bot.WriteString(text)
	}
}

// OnTurnComplete records a labelled entry for every non-blank accumulator,
// user first, then clears both. Entries keep the text as received. It
// returns the entries it added.
func (r *Reconciler) OnTurnComplete() []string {
	var added []string
	for _, acc := range []struct {
		sp  Speaker
		buf *strings.Builder
	}{{User, &r.user}, {Bot, &r.bot}} {
		if text := acc.buf.String(); strings.TrimSpace(text) != "" {
			added = append(added, acc.sp.Label()+": "+text)
		}
		acc.buf.Reset()
	}
	r.history = append(r.history, added...)
	return added
}

// Live returns the current, unfinished text of both speakers.
func (r *Reconciler) Live() (user, bot string) {
	return r.user.String(), r.bot.String()
}

// History returns a copy of the finished entries in order.
func (r *Reconciler) History() []string {
	return append([]string(nil), r.history...)
}

// Flush returns the summary of the session's finished entries and resets the
// reconciler. ok is false when nothing was recorded. Unfinished fragments are
// discarded.
func (r *Reconciler) Flush() (summary string, ok bool) {
	defer r.Reset()
	if len(r.history) == 0 {
		return "", false
	}
	return SummaryHeader + strings.Join(r.history, entrySeparator), true
}
