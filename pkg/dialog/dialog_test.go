package dialog

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/voiceloop/voiceloop/pkg/brain"
	"github.com/voiceloop/voiceloop/pkg/kv"
	"github.com/voiceloop/voiceloop/pkg/speakerid"
	"github.com/voiceloop/voiceloop/pkg/speech"
	"github.com/voiceloop/voiceloop/pkg/vad"
)

// speechFrame returns one 20ms 16kHz frame of a loud 440Hz tone.
func speechFrame() []byte {
	const samples = 320
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func silenceFrame() []byte {
	return make([]byte, 320*2)
}

type fakeAudio struct {
	mu     sync.Mutex
	frames [][]byte
	loop   bool
	played [][]byte
}

func (a *fakeAudio) ReadFrame() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.frames) == 0 {
		if a.loop {
			return silenceFrame(), nil
		}
		return nil, nil
	}
	frame := a.frames[0]
	if !a.loop || len(a.frames) > 1 {
		a.frames = a.frames[1:]
	}
	return frame, nil
}

func (a *fakeAudio) Play(pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	a.played = append(a.played, buf)
	return nil
}

func (a *fakeAudio) playCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.played)
}

type fakeStream struct {
	chunks chan []byte
	mu     sync.Mutex
	closed bool
}

func newFakeStream(chunks ...[]byte) *fakeStream {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &fakeStream{chunks: ch}
}

func (s *fakeStream) Chunks() <-chan []byte { return s.chunks }
func (s *fakeStream) Err() error            { return nil }
func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSynthesizer struct {
	mu     sync.Mutex
	texts  []string
	stream func() *fakeStream
}

func (s *fakeSynthesizer) SynthesizeStream(ctx context.Context, text string) (speech.Stream, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if s.stream != nil {
		return s.stream(), nil
	}
	return newFakeStream([]byte("pcm")), nil
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("pcm"), nil
}

func (s *fakeSynthesizer) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeRecognizer struct {
	transcript string
}

func (r *fakeRecognizer) RecognizeStream(ctx context.Context, frames <-chan []byte, onEvent func(speech.Event)) (string, error) {
	if onEvent != nil {
		onEvent(speech.Event{Text: r.transcript, IsFinal: true})
	}
	return r.transcript, nil
}

func (r *fakeRecognizer) Recognize(ctx context.Context, audio []byte) (string, error) {
	return r.transcript, nil
}

type fakeConverser struct {
	mu    sync.Mutex
	calls [][2]string
	reply string
}

func (c *fakeConverser) Converse(ctx context.Context, text, speaker string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, [2]string{text, speaker})
	return c.reply, nil
}

func (c *fakeConverser) converseCalls() [][2]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]string(nil), c.calls...)
}

type fakeClassifier struct {
	intent brain.NameIntent
}

func (c *fakeClassifier) ClassifyName(ctx context.Context, answer string) (*brain.NameIntent, error) {
	intent := c.intent
	return &intent, nil
}

type fixedExtractor struct {
	emb []float32
}

func (f *fixedExtractor) Extract(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error) {
	return f.emb, nil
}

func testDetector(t *testing.T) *vad.Detector {
	t.Helper()
	det, err := vad.New(1, 16000, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("vad.New: %v", err)
	}
	return det
}

func newTestEngine(t *testing.T, audio *fakeAudio, synth *fakeSynthesizer, conv *fakeConverser, classifier brain.NameClassifier, speakers *speakerid.Identifier, opts Options) *Engine {
	t.Helper()
	if synth == nil {
		synth = &fakeSynthesizer{}
	}
	if conv == nil {
		conv = &fakeConverser{reply: "好呀"}
	}
	return New(&fakeRecognizer{}, synth, audio, testDetector(t), conv, classifier, speakers, opts)
}

func TestExitKeywordSpeaksFarewellAndStops(t *testing.T) {
	audio := &fakeAudio{}
	synth := &fakeSynthesizer{}
	conv := &fakeConverser{reply: "再见啦~"}
	e := newTestEngine(t, audio, synth, conv, nil, nil, Options{})

	if err := e.handleUtterance(context.Background(), "好了拜拜", nil); err != nil {
		t.Fatalf("handleUtterance: %v", err)
	}

	calls := conv.converseCalls()
	if len(calls) != 1 || calls[0][0] != "再见" {
		t.Errorf("converse calls = %v, want one 再见", calls)
	}
	if spoken := synth.spoken(); len(spoken) != 1 || spoken[0] != "再见啦~" {
		t.Errorf("spoken = %v", spoken)
	}
	select {
	case <-e.stopChan:
	default:
		t.Error("engine should be stopped after exit keyword")
	}
}

func TestNormalTurnConversesAndSpeaks(t *testing.T) {
	audio := &fakeAudio{}
	synth := &fakeSynthesizer{}
	conv := &fakeConverser{reply: "今天很适合出去玩哦"}
	e := newTestEngine(t, audio, synth, conv, nil, nil, Options{AECEnabled: true})

	if err := e.handleUtterance(context.Background(), "今天天气怎么样", nil); err != nil {
		t.Fatalf("handleUtterance: %v", err)
	}

	calls := conv.converseCalls()
	if len(calls) != 1 || calls[0][0] != "今天天气怎么样" {
		t.Errorf("converse calls = %v", calls)
	}
	if spoken := synth.spoken(); len(spoken) != 1 || spoken[0] != "今天很适合出去玩哦" {
		t.Errorf("spoken = %v", spoken)
	}
}

func TestSpeakBuffersBeforeFlushing(t *testing.T) {
	audio := &fakeAudio{}
	synth := &fakeSynthesizer{stream: func() *fakeStream {
		return newFakeStream(make([]byte, 2000), make([]byte, 2000), make([]byte, 1000))
	}}
	e := newTestEngine(t, audio, synth, nil, nil, nil, Options{AECEnabled: true})

	if err := e.speak(context.Background(), "测试", true); err != nil {
		t.Fatalf("speak: %v", err)
	}

	// 2000+2000 crosses the 3200 threshold and flushes; the trailing
	// 1000 flushes at stream end.
	if len(audio.played) != 2 {
		t.Fatalf("play calls = %d, want 2", len(audio.played))
	}
	if len(audio.played[0]) != 4000 || len(audio.played[1]) != 1000 {
		t.Errorf("flush sizes = %d, %d", len(audio.played[0]), len(audio.played[1]))
	}
}

func TestBargeInAbortsPlayback(t *testing.T) {
	// The canceller output carries loud speech the whole time, so the
	// first barge-in probe after a flush should abort playback.
	audio := &fakeAudio{frames: [][]byte{speechFrame()}, loop: true}
	chunks := make([][]byte, 20)
	for i := range chunks {
		chunks[i] = make([]byte, 3200)
	}
	synth := &fakeSynthesizer{stream: func() *fakeStream { return newFakeStream(chunks...) }}
	e := newTestEngine(t, audio, synth, nil, nil, nil, Options{AECEnabled: true})

	if err := e.speak(context.Background(), "很长的回复", true); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if n := audio.playCount(); n != 1 {
		t.Errorf("play calls = %d, want 1 (aborted after first flush)", n)
	}
}

func TestNonInterruptibleSpeechIgnoresBargeIn(t *testing.T) {
	audio := &fakeAudio{frames: [][]byte{speechFrame()}, loop: true}
	chunks := make([][]byte, 5)
	for i := range chunks {
		chunks[i] = make([]byte, 3200)
	}
	synth := &fakeSynthesizer{stream: func() *fakeStream { return newFakeStream(chunks...) }}
	e := newTestEngine(t, audio, synth, nil, nil, nil, Options{AECEnabled: true})

	if err := e.speak(context.Background(), "不可打断", false); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if n := audio.playCount(); n != 5 {
		t.Errorf("play calls = %d, want all 5", n)
	}
}

func TestWaitForSpeechCollectsPreRoll(t *testing.T) {
	frames := [][]byte{silenceFrame(), silenceFrame(), speechFrame(), speechFrame(), speechFrame()}
	audio := &fakeAudio{frames: frames, loop: true}
	e := newTestEngine(t, audio, nil, nil, nil, nil, Options{})

	preRoll, ok := e.waitForSpeech(context.Background())
	if !ok {
		t.Fatal("speech not detected")
	}
	// All five consumed chunks fit in the 15-deep pre-roll.
	if len(preRoll) != 5 {
		t.Errorf("pre-roll chunks = %d, want 5", len(preRoll))
	}
}

func TestUnknownVoiceAsksForNameAndRegisters(t *testing.T) {
	ctx := context.Background()
	speakers, err := speakerid.New(ctx, kv.NewMemory(), &fixedExtractor{emb: []float32{1, 0}})
	if err != nil {
		t.Fatalf("speakerid.New: %v", err)
	}
	audio := &fakeAudio{}
	synth := &fakeSynthesizer{}
	conv := &fakeConverser{reply: "回复"}
	e := newTestEngine(t, audio, synth, conv, nil, speakers, Options{})

	// An unknown voice parks the embedding and asks for a name
	// instead of conversing.
	if err := e.handleUtterance(ctx, "你好呀", speechFrame()); err != nil {
		t.Fatalf("handleUtterance: %v", err)
	}
	if got := e.State(); got != StateAwaitingName {
		t.Fatalf("state = %v, want awaiting-name", got)
	}
	if len(conv.converseCalls()) != 0 {
		t.Error("converser should not run while asking for a name")
	}
	spoken := synth.spoken()
	if len(spoken) != 1 || spoken[0] != askNamePrompt {
		t.Fatalf("spoken = %v, want name prompt", spoken)
	}

	// The next utterance carries the name and completes registration.
	if err := e.handleUtterance(ctx, "我叫小红", nil); err != nil {
		t.Fatalf("handleUtterance(name): %v", err)
	}
	profiles := speakers.List()
	if len(profiles) != 1 || profiles[0].Name != "小红" {
		t.Fatalf("profiles = %+v, want 小红", profiles)
	}
	e.mu.Lock()
	current := e.currentSpeaker
	awaiting := e.awaitingName
	e.mu.Unlock()
	if current != "小红" || awaiting {
		t.Errorf("speaker = %q awaiting = %v", current, awaiting)
	}
}

func TestNameSkipCancelsRegistration(t *testing.T) {
	ctx := context.Background()
	speakers, err := speakerid.New(ctx, kv.NewMemory(), nil)
	if err != nil {
		t.Fatalf("speakerid.New: %v", err)
	}
	speakers.SetPending([]float32{1, 0})

	synth := &fakeSynthesizer{}
	e := newTestEngine(t, &fakeAudio{}, synth, nil, nil, speakers, Options{})
	e.mu.Lock()
	e.awaitingName = true
	e.mu.Unlock()

	if err := e.handleUtterance(ctx, "算了不说了", nil); err != nil {
		t.Fatalf("handleUtterance: %v", err)
	}
	if speakers.HasPending() {
		t.Error("pending registration should be cancelled")
	}
	if spoken := synth.spoken(); len(spoken) != 1 || spoken[0] != skipNameReply {
		t.Errorf("spoken = %v", spoken)
	}
	e.mu.Lock()
	awaiting := e.awaitingName
	e.mu.Unlock()
	if awaiting {
		t.Error("awaitingName should clear on skip")
	}
}

func TestNameClassifierOtherIntentReasks(t *testing.T) {
	ctx := context.Background()
	classifier := &fakeClassifier{intent: brain.NameIntent{OtherIntent: true, Reply: "今天天气确实不错"}}
	synth := &fakeSynthesizer{}
	e := newTestEngine(t, &fakeAudio{}, synth, nil, classifier, nil, Options{})
	e.mu.Lock()
	e.awaitingName = true
	e.mu.Unlock()

	if err := e.handleUtterance(ctx, "今天天气不错", nil); err != nil {
		t.Fatalf("handleUtterance: %v", err)
	}
	spoken := synth.spoken()
	if len(spoken) != 2 || spoken[0] != "今天天气确实不错" || spoken[1] != reAskNamePrompt {
		t.Errorf("spoken = %v", spoken)
	}
	e.mu.Lock()
	awaiting := e.awaitingName
	e.mu.Unlock()
	if !awaiting {
		t.Error("should keep awaiting the name")
	}
}

func TestNameNotUnderstoodRetries(t *testing.T) {
	synth := &fakeSynthesizer{}
	e := newTestEngine(t, &fakeAudio{}, synth, nil, nil, nil, Options{})
	e.mu.Lock()
	e.awaitingName = true
	e.mu.Unlock()

	if err := e.handleUtterance(context.Background(), "呜呜呜呜呜呜", nil); err != nil {
		t.Fatalf("handleUtterance: %v", err)
	}
	if spoken := synth.spoken(); len(spoken) != 1 || spoken[0] != retryNamePrompt {
		t.Errorf("spoken = %v", spoken)
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateIdle:         "idle",
		StateListening:    "listening",
		StateRecognizing:  "recognizing",
		StateResponding:   "responding",
		StateSpeaking:     "speaking",
		StateAwaitingName: "awaiting-name",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
