// Package dialog implements the turn-taking engine: it waits for
// speech, streams it to recognition, asks the conversation brain for a
// reply, and speaks it back, with barge-in interruption when an echo
// canceller makes listening during playback possible.
package dialog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/brain"
	"github.com/voiceloop/voiceloop/pkg/buffer"
	"github.com/voiceloop/voiceloop/pkg/speakerid"
	"github.com/voiceloop/voiceloop/pkg/speech"
	"github.com/voiceloop/voiceloop/pkg/vad"
)

// State is the engine's current phase.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateRecognizing
	StateResponding
	StateSpeaking
	StateAwaitingName
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRecognizing:
		return "recognizing"
	case StateResponding:
		return "responding"
	case StateSpeaking:
		return "speaking"
	case StateAwaitingName:
		return "awaiting-name"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AudioIO is the duplex audio surface the engine drives. ReadFrame
// returns one capture frame of mono s16le PCM; an empty frame means a
// quiet read, not end of stream.
type AudioIO interface {
	ReadFrame() ([]byte, error)
	Play(pcm []byte) error
}

// Options tune the engine. The zero value gets usable defaults.
type Options struct {
	// BotName is the assistant's self-reported name, used in canned
	// lines (default: 小可爱).
	BotName string

	// Greeting is spoken non-interruptibly when Run starts. Empty
	// derives a greeting from BotName.
	Greeting string

	// ExitKeywords end the conversation when contained in an utterance
	// (default: 退出 再见 拜拜 结束).
	ExitKeywords []string

	// StartChunks is how many consecutive speech-positive capture
	// chunks open a turn (default: 3).
	StartChunks int

	// PreRollChunks is how many capture chunks are kept before the
	// turn opens so the utterance head is not lost (default: 15).
	PreRollChunks int

	// ChunkVoteThreshold is the per-chunk speech vote ratio
	// (default: 0.5).
	ChunkVoteThreshold float64

	// BargeInThreshold is the speech vote ratio across the barge-in
	// probe reads that aborts playback (default: 0.6).
	BargeInThreshold float64

	// BargeInReads is how many capture reads each barge-in probe
	// takes (default: 2).
	BargeInReads int

	// PlaybackBuffer is the byte threshold at which buffered synthesis
	// audio is flushed to the device; 3200 bytes is 100ms at 16 kHz
	// (default: 3200).
	PlaybackBuffer int

	// SettleDelay is how long to ignore the microphone after playback
	// when no echo canceller runs (default: 500ms).
	SettleDelay time.Duration

	// AECEnabled marks that capture is echo-cancelled, enabling
	// barge-in and removing the settle delay.
	AECEnabled bool

	// OnTurn, when set, is invoked after each exchange with the
	// recognized speaker name (may be empty), the user's utterance,
	// and the reply about to be spoken.
	OnTurn func(speaker, text, reply string)

	// OnPartial, when set, receives incremental transcripts while an
	// utterance is being recognized.
	OnPartial func(text string)

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BotName == "" {
		o.BotName = "小可爱"
	}
	if o.Greeting == "" {
		o.Greeting = fmt.Sprintf("你好！我是%s，很高兴认识你！有什么我可以帮你的吗？", o.BotName)
	}
	if len(o.ExitKeywords) == 0 {
		o.ExitKeywords = []string{"退出", "再见", "拜拜", "结束"}
	}
	if o.StartChunks == 0 {
		o.StartChunks = 3
	}
	if o.PreRollChunks == 0 {
		o.PreRollChunks = 15
	}
	if o.ChunkVoteThreshold == 0 {
		o.ChunkVoteThreshold = 0.5
	}
	if o.BargeInThreshold == 0 {
		o.BargeInThreshold = 0.6
	}
	if o.BargeInReads == 0 {
		o.BargeInReads = 2
	}
	if o.PlaybackBuffer == 0 {
		o.PlaybackBuffer = 3200
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine runs the spoken conversation loop.
type Engine struct {
	recognizer  speech.Recognizer
	synthesizer speech.Synthesizer
	audio       AudioIO
	detector    *vad.Detector
	converser   brain.Converser
	classifier  brain.NameClassifier
	speakers    *speakerid.Identifier
	opts        Options

	mu             sync.Mutex
	state          State
	currentSpeaker string
	awaitingName   bool
	stopped        bool

	stopOnce sync.Once
	stopChan chan struct{}
}

// New assembles an engine. classifier and speakers may be nil; without
// speakers the name-registration flow never triggers, and without
// classifier only regex name extraction runs.
func New(
	recognizer speech.Recognizer,
	synthesizer speech.Synthesizer,
	audio AudioIO,
	detector *vad.Detector,
	converser brain.Converser,
	classifier brain.NameClassifier,
	speakers *speakerid.Identifier,
	opts Options,
) *Engine {
	return &Engine{
		recognizer:  recognizer,
		synthesizer: synthesizer,
		audio:       audio,
		detector:    detector,
		converser:   converser,
		classifier:  classifier,
		speakers:    speakers,
		opts:        opts.withDefaults(),
		stopChan:    make(chan struct{}),
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Stop ends the conversation loop after the current phase.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		close(e.stopChan)
	})
}

func (e *Engine) running(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.stopChan:
		return false
	default:
		return true
	}
}

// Run speaks the greeting and drives the conversation loop until the
// context is cancelled, Stop is called, or an exit keyword is heard.
func (e *Engine) Run(ctx context.Context) error {
	e.opts.Logger.Info("dialog started", "aec", e.opts.AECEnabled)
	if err := e.speak(ctx, e.opts.Greeting, false); err != nil {
		e.opts.Logger.Warn("greeting failed", "error", err)
	}

	for e.running(ctx) {
		e.setState(StateListening)
		preRoll, ok := e.waitForSpeech(ctx)
		if !ok {
			continue
		}

		e.setState(StateRecognizing)
		text, audio, err := e.recognizeTurn(ctx, preRoll)
		if err != nil {
			e.opts.Logger.Warn("recognition failed", "error", err)
			continue
		}
		if text == "" {
			e.opts.Logger.Debug("turn produced no transcript")
			continue
		}

		if err := e.handleUtterance(ctx, text, audio); err != nil {
			e.opts.Logger.Warn("turn handling failed", "error", err)
		}
	}

	e.setState(StateIdle)
	e.opts.Logger.Info("dialog ended")
	return ctx.Err()
}

// waitForSpeech blocks until StartChunks consecutive capture chunks
// vote speech, returning the buffered pre-roll chunks.
func (e *Engine) waitForSpeech(ctx context.Context) ([][]byte, bool) {
	preRoll := buffer.NewRing[[]byte](e.opts.PreRollChunks)
	consecutive := 0

	for e.running(ctx) {
		chunk, err := e.audio.ReadFrame()
		if err != nil {
			e.opts.Logger.Warn("capture read failed", "error", err)
			return nil, false
		}
		if len(chunk) == 0 {
			continue
		}

		buffered := make([]byte, len(chunk))
		copy(buffered, chunk)
		preRoll.Add(buffered)

		if e.detector.ChunkVote(chunk, e.opts.ChunkVoteThreshold) {
			consecutive++
			if consecutive >= e.opts.StartChunks {
				return preRoll.Drain(), true
			}
		} else {
			consecutive = 0
		}
	}
	return nil, false
}

// recognizeTurn streams pre-roll plus live capture into the recognizer
// and returns the definite transcript along with the raw utterance
// audio for voiceprint identification.
func (e *Engine) recognizeTurn(ctx context.Context, preRoll [][]byte) (string, []byte, error) {
	recCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte, 64)
	var (
		audioMu sync.Mutex
		audio   bytes.Buffer
	)
	senderDone := make(chan struct{})

	go func() {
		defer close(senderDone)
		for _, chunk := range preRoll {
			audioMu.Lock()
			audio.Write(chunk)
			audioMu.Unlock()
			select {
			case frames <- chunk:
			case <-recCtx.Done():
				return
			}
		}
		for {
			select {
			case <-recCtx.Done():
				return
			default:
			}
			chunk, err := e.audio.ReadFrame()
			if err != nil {
				close(frames)
				return
			}
			if len(chunk) == 0 {
				continue
			}
			buffered := make([]byte, len(chunk))
			copy(buffered, chunk)
			audioMu.Lock()
			audio.Write(buffered)
			audioMu.Unlock()
			select {
			case frames <- buffered:
			case <-recCtx.Done():
				return
			}
		}
	}()

	text, err := e.recognizer.RecognizeStream(ctx, frames, func(ev speech.Event) {
		e.opts.Logger.Debug("partial transcript", "text", ev.Text, "final", ev.IsFinal)
		if e.opts.OnPartial != nil && !ev.IsFinal {
			e.opts.OnPartial(ev.Text)
		}
	})
	cancel()
	<-senderDone

	audioMu.Lock()
	pcm := audio.Bytes()
	audioMu.Unlock()

	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(text), pcm, nil
}

func (e *Engine) handleUtterance(ctx context.Context, text string, audio []byte) error {
	e.setState(StateResponding)

	e.mu.Lock()
	awaiting := e.awaitingName
	e.mu.Unlock()
	if awaiting {
		return e.handleNameResponse(ctx, text)
	}

	speaker, asked, err := e.identifySpeaker(ctx, audio)
	if err != nil {
		e.opts.Logger.Warn("speaker identification failed", "error", err)
	}
	if asked {
		return nil
	}

	if e.isExit(text) {
		farewell, err := e.converser.Converse(ctx, "再见", speaker)
		if err != nil || farewell == "" {
			farewell = "再见啦，下次再聊哦~"
		}
		if e.opts.OnTurn != nil {
			e.opts.OnTurn(speaker, text, farewell)
		}
		if err := e.speak(ctx, farewell, false); err != nil {
			e.opts.Logger.Warn("farewell playback failed", "error", err)
		}
		e.Stop()
		return nil
	}

	reply, err := e.converser.Converse(ctx, text, speaker)
	if err != nil {
		return fmt.Errorf("converse: %w", err)
	}
	e.opts.Logger.Info("turn", "speaker", speaker, "text", text, "reply", reply)
	if e.opts.OnTurn != nil {
		e.opts.OnTurn(speaker, text, reply)
	}
	return e.speak(ctx, reply, true)
}

func (e *Engine) isExit(text string) bool {
	for _, kw := range e.opts.ExitKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// identifySpeaker matches the utterance voiceprint. On a confident
// match the stored embedding is refreshed; an unknown voice parks the
// embedding and asks for a name (asked=true).
func (e *Engine) identifySpeaker(ctx context.Context, audio []byte) (speaker string, asked bool, err error) {
	e.mu.Lock()
	current := e.currentSpeaker
	e.mu.Unlock()

	if e.speakers == nil || len(audio) == 0 {
		return current, false, nil
	}

	match, err := e.speakers.Identify(ctx, audio, e.detector.SampleRate())
	if err != nil {
		return current, false, err
	}

	if match.Known() {
		e.opts.Logger.Info("speaker identified", "name", match.Name, "similarity", match.Similarity)
		e.mu.Lock()
		e.currentSpeaker = match.Name
		e.mu.Unlock()
		if err := e.speakers.UpdateEmbedding(ctx, match.SpeakerID, match.Embedding); err != nil {
			e.opts.Logger.Warn("voiceprint update failed", "error", err)
		}
		return match.Name, false, nil
	}

	if match.Embedding != nil {
		e.opts.Logger.Info("unknown voice", "similarity", match.Similarity)
		e.speakers.SetPending(match.Embedding)
		e.askForName(ctx)
		return "", true, nil
	}
	return current, false, nil
}

// speak streams synthesis into the playback device. Interruptible
// playback probes for barge-in between flushed buffers when an echo
// canceller is running.
func (e *Engine) speak(ctx context.Context, text string, interruptible bool) error {
	e.setState(StateSpeaking)
	defer func() {
		if !e.opts.AECEnabled {
			// Let the speaker output die down before the microphone
			// counts again.
			select {
			case <-time.After(e.opts.SettleDelay):
			case <-ctx.Done():
			}
		}
	}()

	stream, err := e.synthesizer.SynthesizeStream(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	defer stream.Close()

	var pending []byte
	interrupted := false

	for chunk := range stream.Chunks() {
		pending = append(pending, chunk...)
		if len(pending) < e.opts.PlaybackBuffer {
			continue
		}
		if err := e.audio.Play(pending); err != nil {
			return fmt.Errorf("play: %w", err)
		}
		pending = pending[:0]

		if interruptible && e.opts.AECEnabled && e.bargeIn() {
			e.opts.Logger.Info("barge-in, playback aborted")
			interrupted = true
			break
		}
	}

	if !interrupted {
		if len(pending) > 0 {
			if err := e.audio.Play(pending); err != nil {
				return fmt.Errorf("play: %w", err)
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("synthesis stream: %w", err)
		}
	}
	return nil
}

// bargeIn takes a few capture reads and votes whether someone is
// talking over the playback.
func (e *Engine) bargeIn() bool {
	frameBytes := e.detector.FrameBytes()
	votes, total := 0, 0

	for i := 0; i < e.opts.BargeInReads; i++ {
		chunk, err := e.audio.ReadFrame()
		if err != nil || len(chunk) == 0 {
			continue
		}
		for off := 0; off+frameBytes <= len(chunk); off += frameBytes {
			total++
			if e.detector.IsSpeech(chunk[off : off+frameBytes]) {
				votes++
			}
		}
	}
	if total == 0 {
		return false
	}
	return float64(votes)/float64(total) >= e.opts.BargeInThreshold
}
