package speech

import (
	"context"

	"github.com/voiceloop/voiceloop/pkg/volcspeech"
)

// VolcRecognizer adapts the Volcengine streaming recognizer.
type VolcRecognizer struct {
	client *volcspeech.Client
	config *volcspeech.ASRConfig
}

var _ Recognizer = (*VolcRecognizer)(nil)

// NewVolcRecognizer creates a Recognizer over client with the given
// session configuration.
func NewVolcRecognizer(client *volcspeech.Client, config *volcspeech.ASRConfig) *VolcRecognizer {
	if config == nil {
		config = &volcspeech.ASRConfig{}
	}
	return &VolcRecognizer{client: client, config: config}
}

func (r *VolcRecognizer) RecognizeStream(ctx context.Context, frames <-chan []byte, onEvent func(Event)) (string, error) {
	var cb func(volcspeech.RecognitionEvent)
	if onEvent != nil {
		cb = func(ev volcspeech.RecognitionEvent) {
			onEvent(Event{Text: ev.Text, IsFinal: ev.IsFinal})
		}
	}
	return r.client.ASR.RecognizeRealtime(ctx, frames, r.config, cb)
}

func (r *VolcRecognizer) Recognize(ctx context.Context, audio []byte) (string, error) {
	return r.client.ASR.Recognize(ctx, audio, r.config)
}

// VolcSynthesizer adapts the Volcengine bidirectional synthesizer.
type VolcSynthesizer struct {
	client *volcspeech.Client
	config *volcspeech.TTSConfig
}

var _ Synthesizer = (*VolcSynthesizer)(nil)

// NewVolcSynthesizer creates a Synthesizer over client with the given
// voice configuration.
func NewVolcSynthesizer(client *volcspeech.Client, config *volcspeech.TTSConfig) *VolcSynthesizer {
	if config == nil {
		config = &volcspeech.TTSConfig{}
	}
	return &VolcSynthesizer{client: client, config: config}
}

func (s *VolcSynthesizer) SynthesizeStream(ctx context.Context, text string) (Stream, error) {
	session, err := s.client.TTS.OpenSession(ctx, s.config)
	if err != nil {
		return nil, err
	}
	if err := session.Speak(text); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

func (s *VolcSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return s.client.TTS.Synthesize(ctx, text, s.config)
}
