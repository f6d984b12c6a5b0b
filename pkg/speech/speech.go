// Package speech defines the recognition and synthesis interfaces the
// dialog engine consumes, decoupling it from any one speech backend.
package speech

import "context"

// Event is one incremental recognition result.
type Event struct {
	// Text is the best transcript so far.
	Text string

	// IsFinal reports whether the transcript is definite.
	IsFinal bool
}

// Recognizer converts spoken audio to text.
type Recognizer interface {
	// RecognizeStream drains PCM chunks from frames, delivering
	// incremental results to onEvent in receipt order, and returns the
	// definite transcript. An empty transcript with a nil error means
	// nothing was recognized.
	RecognizeStream(ctx context.Context, frames <-chan []byte, onEvent func(Event)) (string, error)

	// Recognize transcribes a complete audio buffer in one call.
	Recognize(ctx context.Context, audio []byte) (string, error)
}

// Stream is an ordered, finite stream of synthesized audio chunks.
type Stream interface {
	// Chunks returns the chunk channel. It closes when synthesis
	// completes or fails; check Err after it drains.
	Chunks() <-chan []byte

	// Err returns the terminal error of the stream, if any.
	Err() error

	// Close tears the stream down. Safe to call mid-stream to cancel.
	Close() error
}

// Synthesizer converts text to spoken audio.
type Synthesizer interface {
	// SynthesizeStream starts synthesis of text and returns the chunk
	// stream. Each text gets its own stream.
	SynthesizeStream(ctx context.Context, text string) (Stream, error)

	// Synthesize produces the complete audio for text in one call.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
