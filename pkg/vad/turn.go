package vad

import (
	"time"

	"github.com/voiceloop/voiceloop/pkg/buffer"
)

const (
	// DefaultStartFrames is the number of consecutive speech frames
	// that opens a turn.
	DefaultStartFrames = 10
	// DefaultEndFrames is the number of consecutive silence frames
	// that closes a turn.
	DefaultEndFrames = 20
	// DefaultPreRollFrames is the depth of the pre-roll ring kept
	// before a turn opens (~300ms at 20ms frames).
	DefaultPreRollFrames = 15
)

// Turn is one complete user utterance: pre-roll audio, the speech
// itself, with trailing silence trimmed.
type Turn struct {
	PCM      []byte
	Duration time.Duration
}

// TurnDetector segments a frame stream into turns. Feed it one frame
// at a time; it reports a Turn when the utterance ends.
//
// It is a self-contained segmenter for offline or batch use, for
// example cutting utterances out of recorded audio before one-shot
// recognition. The live conversation loop does not use it: there,
// onset is a windowed vote over recent frames and the turn end comes
// from the recognizer's own trailing-silence window, so the audio can
// stream to the service while the user is still speaking.
type TurnDetector struct {
	det *Detector

	startFrames int
	endFrames   int
	preRoll     *buffer.Ring[[]byte]

	active     bool
	speechRun  int
	silenceRun int
	frames     [][]byte
}

// TurnOption configures a TurnDetector.
type TurnOption func(*TurnDetector)

// WithStartFrames sets the consecutive speech frames needed to open a turn.
func WithStartFrames(n int) TurnOption {
	return func(t *TurnDetector) { t.startFrames = n }
}

// WithEndFrames sets the consecutive silence frames that close a turn.
func WithEndFrames(n int) TurnOption {
	return func(t *TurnDetector) { t.endFrames = n }
}

// WithPreRollFrames sets the pre-roll ring depth.
func WithPreRollFrames(n int) TurnOption {
	return func(t *TurnDetector) { t.preRoll = buffer.NewRing[[]byte](n) }
}

// NewTurnDetector creates a TurnDetector over the given frame classifier.
func NewTurnDetector(det *Detector, opts ...TurnOption) *TurnDetector {
	t := &TurnDetector{
		det:         det,
		startFrames: DefaultStartFrames,
		endFrames:   DefaultEndFrames,
		preRoll:     buffer.NewRing[[]byte](DefaultPreRollFrames),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Active reports whether a turn is currently open.
func (t *TurnDetector) Active() bool { return t.active }

// PreRoll returns the concatenated pre-roll audio currently buffered.
func (t *TurnDetector) PreRoll() []byte {
	var out []byte
	for _, f := range t.preRoll.Snapshot() {
		out = append(out, f...)
	}
	return out
}

// Feed processes one capture frame. When the frame completes a turn it
// returns the finished Turn and true.
func (t *TurnDetector) Feed(frame []byte) (Turn, bool) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	speech := t.det.IsSpeech(cp)

	if !t.active {
		t.preRoll.Add(cp)
		if speech {
			t.speechRun++
		} else {
			t.speechRun = 0
		}
		if t.speechRun >= t.startFrames {
			t.active = true
			t.speechRun = 0
			t.silenceRun = 0
			t.frames = t.preRoll.Drain()
		}
		return Turn{}, false
	}

	t.frames = append(t.frames, cp)
	if speech {
		t.silenceRun = 0
		return Turn{}, false
	}
	t.silenceRun++
	if t.silenceRun < t.endFrames {
		return Turn{}, false
	}

	// Turn over. Trim the trailing silence before emitting.
	kept := t.frames[:len(t.frames)-t.silenceRun]
	var out []byte
	for _, f := range kept {
		out = append(out, f...)
	}
	turn := Turn{
		PCM:      out,
		Duration: t.det.format.Duration(len(out)),
	}
	t.Reset()
	return turn, true
}

// Reset discards any open turn and buffered pre-roll.
func (t *TurnDetector) Reset() {
	t.active = false
	t.speechRun = 0
	t.silenceRun = 0
	t.frames = nil
	t.preRoll.Reset()
}
