package volcspeech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// TTSClient provides bidirectional streaming speech synthesis.
type TTSClient struct {
	client *Client
}

// TTSConfig configures a synthesis session.
type TTSConfig struct {
	// Speaker is the voice to synthesize with.
	Speaker string `json:"speaker" yaml:"speaker"`

	// Audio format (default: pcm) and sample rate (default: 16000).
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`

	// Speech control ratios, 1.0 is neutral. They travel on the wire
	// as rate deltas: int((ratio-1.0)*100).
	SpeedRatio  float64 `json:"speed_ratio,omitempty" yaml:"speed_ratio,omitempty"`
	VolumeRatio float64 `json:"volume_ratio,omitempty" yaml:"volume_ratio,omitempty"`
	PitchRatio  float64 `json:"pitch_ratio,omitempty" yaml:"pitch_ratio,omitempty"`

	// Resource ID (default: seed-tts-1.0)
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
}

func (c *TTSConfig) withDefaults() *TTSConfig {
	out := *c
	if out.Format == "" {
		out.Format = "pcm"
	}
	if out.SampleRate == 0 {
		out.SampleRate = 16000
	}
	if out.SpeedRatio == 0 {
		out.SpeedRatio = 1.0
	}
	if out.VolumeRatio == 0 {
		out.VolumeRatio = 1.0
	}
	if out.PitchRatio == 0 {
		out.PitchRatio = 1.0
	}
	if out.ResourceID == "" {
		out.ResourceID = ResourceTTS
	}
	return &out
}

// rateDelta converts a speech control ratio to its wire encoding.
func rateDelta(ratio float64) int {
	return int((ratio - 1.0) * 100)
}

// TTSSession is one synthesis session. Audio chunks stream on Chunks
// as they arrive; the channel closes when the service reports session
// completion.
type TTSSession struct {
	conn      *websocket.Conn
	client    *Client
	config    *TTSConfig
	sessionID string

	chunks    chan []byte
	closeChan chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// OpenSession dials the synthesis endpoint and performs the session
// handshake: StartConnection acknowledged by ConnectionStarted, then
// StartSession acknowledged by SessionStarted. One session carries one
// utterance; synthesizing another text requires a new session.
func (s *TTSClient) OpenSession(ctx context.Context, config *TTSConfig) (*TTSSession, error) {
	config = config.withDefaults()
	sessionID := uuid.NewString()

	endpoint := s.client.config.wsURL + "/api/v3/tts/bidirection"
	headers := s.client.wsHeaders(config.ResourceID, "X-Api-Connect-Id", sessionID)

	conn, resp, err := s.client.config.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("websocket connect failed: %w, status=%s, body=%s", err, resp.Status, string(body))
		}
		return nil, fmt.Errorf("websocket connect failed: %w", err)
	}

	session := &TTSSession{
		conn:      conn,
		client:    s.client,
		config:    config,
		sessionID: sessionID,
		chunks:    make(chan []byte, 100),
		closeChan: make(chan struct{}),
	}

	if err := session.handshake(); err != nil {
		session.Close()
		return nil, err
	}

	go session.receiveLoop()
	return session, nil
}

func (t *TTSSession) handshake() error {
	if err := t.sendEvent(eventStartConnection, "", nil); err != nil {
		return fmt.Errorf("start connection: %w", err)
	}
	if err := t.expectEvent(eventConnectionStarted); err != nil {
		return err
	}

	payload := map[string]any{
		"user": map[string]any{
			"uid": t.client.config.userID,
		},
		"event": eventStartSession,
		"req_params": map[string]any{
			"speaker": t.config.Speaker,
			"audio_params": map[string]any{
				"format":        t.config.Format,
				"sample_rate":   t.config.SampleRate,
				"speech_rate":   rateDelta(t.config.SpeedRatio),
				"loudness_rate": rateDelta(t.config.VolumeRatio),
				"pitch_rate":    rateDelta(t.config.PitchRatio),
			},
		},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := t.sendEvent(eventStartSession, t.sessionID, jsonData); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return t.expectEvent(eventSessionStarted)
}

// expectEvent reads one frame and requires the given acknowledgment
// event on it.
func (t *TTSSession) expectEvent(want int32) error {
	t.conn.SetReadDeadline(time.Now().Add(firstAckTimeout))
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await event %d: %w", want, err)
	}
	frame, err := decodeSynthesizerFrame(data)
	if err != nil {
		return fmt.Errorf("await event %d: %w", want, err)
	}
	if frame.msgType == msgTypeError {
		return t.frameError(frame)
	}
	if frame.event != want {
		return fmt.Errorf("volcspeech: expected event %d, got %d", want, frame.event)
	}
	return nil
}

// Speak submits text for synthesis and signals that no more text
// follows. Audio then streams on Chunks.
func (t *TTSSession) Speak(text string) error {
	payload, err := json.Marshal(map[string]any{
		"req_params": map[string]any{
			"text": text,
		},
	})
	if err != nil {
		return err
	}
	if err := t.sendEvent(eventTaskRequest, t.sessionID, payload); err != nil {
		return fmt.Errorf("task request: %w", err)
	}
	if err := t.sendEvent(eventFinishSession, t.sessionID, nil); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// Chunks returns the ordered stream of PCM audio chunks. The channel
// closes when the session finishes or fails; check Err after drain.
func (t *TTSSession) Chunks() <-chan []byte {
	return t.chunks
}

// Err returns the terminal error of the session, if any.
func (t *TTSSession) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close tears down the session. Safe to call at any point, including
// mid-stream for barge-in cancellation.
func (t *TTSSession) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeChan)
		t.conn.Close()
	})
	return nil
}

func (t *TTSSession) sendEvent(event int32, sessionID string, payload []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, marshalEventFrame(event, sessionID, payload))
}

func (t *TTSSession) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *TTSSession) frameError(frame *synthesizerFrame) error {
	apiErr := &Error{Code: int(frame.errorCode), Message: "synthesis failed", ReqID: t.sessionID}
	if frame.payload != nil {
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(frame.payload, &detail) == nil && detail.Message != "" {
			apiErr.Message = detail.Message
		} else {
			apiErr.Message = string(frame.payload)
		}
	}
	return apiErr
}

func (t *TTSSession) receiveLoop() {
	defer close(t.chunks)

	for {
		select {
		case <-t.closeChan:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(t.client.config.recvTimeout))
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !isTimeout(err) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-t.closeChan:
				default:
					t.setErr(fmt.Errorf("ws read: %w", err))
				}
			}
			return
		}

		frame, err := decodeSynthesizerFrame(data)
		if err != nil {
			t.client.config.logger.Debug("tts: undecodable server frame", "error", err)
			continue
		}

		switch frame.msgType {
		case msgTypeAudioServer:
			if len(frame.payload) == 0 {
				continue
			}
			select {
			case t.chunks <- frame.payload:
			case <-t.closeChan:
				return
			}

		case msgTypeFullServer:
			switch frame.event {
			case eventSentenceStart:
				var sentence struct {
					Text string `json:"text"`
				}
				if json.Unmarshal(frame.payload, &sentence) == nil && sentence.Text != "" {
					t.client.config.logger.Debug("tts: sentence start", "text", sentence.Text)
				}
			case eventSentenceEnd:
				// More sentences may follow; only SessionFinished ends
				// the stream.
			case eventSessionFinished:
				return
			case eventSessionFailed:
				t.setErr(&Error{Message: "session failed", ReqID: t.sessionID})
				return
			}

		case msgTypeError:
			t.setErr(t.frameError(frame))
			return
		}
	}
}

// Synthesize produces the complete audio for text in one call,
// collecting the streamed chunks into a single buffer.
func (s *TTSClient) Synthesize(ctx context.Context, text string, config *TTSConfig) ([]byte, error) {
	session, err := s.OpenSession(ctx, config)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.Speak(text); err != nil {
		return nil, err
	}

	var audio []byte
	for {
		select {
		case <-ctx.Done():
			return audio, ctx.Err()
		case chunk, ok := <-session.Chunks():
			if !ok {
				if err := session.Err(); err != nil {
					return audio, err
				}
				return audio, nil
			}
			audio = append(audio, chunk...)
		}
	}
}
