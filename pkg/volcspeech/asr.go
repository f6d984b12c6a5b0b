package volcspeech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ASRClient provides streaming speech recognition.
type ASRClient struct {
	client *Client
}

// ASRConfig configures a recognition session.
type ASRConfig struct {
	// Audio format: pcm, wav, ogg
	Format string `json:"format" yaml:"format"`

	// Sample rate in Hz
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`

	// Bits per sample
	Bits int `json:"bits,omitempty" yaml:"bits,omitempty"`

	// Number of audio channels
	Channels int `json:"channels,omitempty" yaml:"channels,omitempty"`

	// EndWindowMS is the trailing-silence window in milliseconds after
	// which the service declares the utterance finished.
	EndWindowMS int `json:"end_window_ms,omitempty" yaml:"end_window_ms,omitempty"`

	// Hotwords boost recognition of domain vocabulary (names, etc.).
	Hotwords []string `json:"hotwords,omitempty" yaml:"hotwords,omitempty"`

	// Corrections is a literal substitution table applied to every
	// transcript, fixing systematic misrecognitions of known words.
	Corrections map[string]string `json:"corrections,omitempty" yaml:"corrections,omitempty"`

	// Resource ID (default: volc.bigasr.sauc.duration)
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
}

func (c *ASRConfig) withDefaults() *ASRConfig {
	out := *c
	if out.Format == "" {
		out.Format = "pcm"
	}
	if out.SampleRate == 0 {
		out.SampleRate = 16000
	}
	if out.Bits == 0 {
		out.Bits = 16
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	if out.EndWindowMS == 0 {
		out.EndWindowMS = 800
	}
	if out.ResourceID == "" {
		out.ResourceID = ResourceASRStream
	}
	return &out
}

// RecognitionEvent is one incremental transcript from the recognizer.
type RecognitionEvent struct {
	// Text is the best transcript so far, corrections applied.
	Text string

	// IsFinal reports whether the service marked the utterance definite.
	IsFinal bool
}

// ASRSession is one streaming recognition session.
type ASRSession struct {
	conn   *websocket.Conn
	client *Client
	config *ASRConfig
	reqID  string

	recvChan  chan RecognitionEvent
	closeChan chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// OpenStream opens a streaming recognition session.
//
// The configuration frame is sent and acknowledged before this
// returns, so the session is ready for audio.
//
// Example:
//
//	session, err := client.ASR.OpenStream(ctx, &ASRConfig{SampleRate: 16000})
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	session.SendAudio(chunk, false)
//	session.SendAudio(nil, true)
//	for ev := range session.Events() {
//	    fmt.Println(ev.Text)
//	}
func (s *ASRClient) OpenStream(ctx context.Context, config *ASRConfig) (*ASRSession, error) {
	config = config.withDefaults()
	reqID := uuid.NewString()

	endpoint := s.client.config.wsURL + "/api/v3/sauc/bigmodel_async"
	headers := s.client.wsHeaders(config.ResourceID, "X-Api-Request-Id", reqID)

	conn, resp, err := s.client.config.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("websocket connect failed: %w, status=%s, body=%s", err, resp.Status, string(body))
		}
		return nil, fmt.Errorf("websocket connect failed: %w", err)
	}

	session := &ASRSession{
		conn:      conn,
		client:    s.client,
		config:    config,
		reqID:     reqID,
		recvChan:  make(chan RecognitionEvent, 100),
		closeChan: make(chan struct{}),
	}

	if err := session.sendConfig(); err != nil {
		session.Close()
		return nil, fmt.Errorf("send config: %w", err)
	}

	// The server acknowledges the configuration before accepting audio.
	conn.SetReadDeadline(time.Now().Add(firstAckTimeout))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("config ack: %w", err)
	}
	frame, err := decodeRecognizerFrame(ack)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("config ack: %w", err)
	}
	if frame.msgType == msgTypeError {
		session.Close()
		return nil, parseRecognizerError(frame, reqID)
	}

	go session.receiveLoop()
	return session, nil
}

func (s *ASRSession) sendConfig() error {
	hotwords := make([]map[string]string, 0, len(s.config.Hotwords))
	for _, w := range s.config.Hotwords {
		hotwords = append(hotwords, map[string]string{"word": w})
	}
	// The hotword list travels as a JSON string inside the JSON payload.
	contextStr, err := json.Marshal(map[string]any{"hotwords": hotwords})
	if err != nil {
		return err
	}

	payload := map[string]any{
		"user": map[string]any{
			"uid": s.client.config.userID,
		},
		"audio": map[string]any{
			"format":  s.config.Format,
			"rate":    s.config.SampleRate,
			"bits":    s.config.Bits,
			"channel": s.config.Channels,
			"codec":   "raw",
		},
		"request": map[string]any{
			"model_name":      "bigmodel",
			"enable_punc":     true,
			"enable_itn":      true,
			"enable_ddc":      true,
			"result_type":     "single",
			"end_window_size": s.config.EndWindowMS,
			"show_utterances": true,
			"context":         string(contextStr),
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := marshalConfigFrame(jsonData)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SendAudio sends one audio chunk. If isLast is true this marks the
// end of the stream; an empty last chunk is valid.
func (s *ASRSession) SendAudio(audio []byte, isLast bool) error {
	frame, err := marshalAudioFrame(audio, isLast)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Events returns the channel of incremental transcripts. It is closed
// when the session ends: after a definite transcript, a receive
// timeout, or an error (see Err).
func (s *ASRSession) Events() <-chan RecognitionEvent {
	return s.recvChan
}

// Err returns the terminal error of the session, if any. A receive
// timeout is not an error; it ends the session silently.
func (s *ASRSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the session and its connection.
func (s *ASRSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.conn.Close()
	})
	return nil
}

func (s *ASRSession) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *ASRSession) receiveLoop() {
	defer close(s.recvChan)

	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.client.config.recvTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// A quiet server means the user stopped talking; end the
			// session without surfacing an error.
			if isTimeout(err) {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-s.closeChan:
				default:
					s.setErr(fmt.Errorf("ws read: %w", err))
				}
			}
			return
		}

		frame, err := decodeRecognizerFrame(data)
		if err != nil {
			s.client.config.logger.Debug("asr: undecodable server frame", "error", err)
			continue
		}
		if frame.msgType == msgTypeError {
			s.setErr(parseRecognizerError(frame, s.reqID))
			return
		}
		if frame.payload == nil {
			continue
		}

		ev, ok := extractRecognition(frame.payload)
		if !ok {
			continue
		}
		ev.Text = applyCorrections(ev.Text, s.config.Corrections)

		select {
		case s.recvChan <- ev:
		case <-s.closeChan:
			return
		}
		if ev.IsFinal {
			return
		}
	}
}

func parseRecognizerError(frame *recognizerFrame, reqID string) error {
	apiErr := &Error{ReqID: reqID, Message: "recognition failed"}
	if frame.payload != nil {
		json.Unmarshal(frame.payload, apiErr)
	}
	return apiErr
}

// extractRecognition pulls the transcript out of a server payload.
// The definite flag on any utterance marks the result final.
func extractRecognition(payload json.RawMessage) (RecognitionEvent, bool) {
	var resp struct {
		Result struct {
			Text       string `json:"text"`
			Utterances []struct {
				Text     string `json:"text"`
				Definite bool   `json:"definite"`
			} `json:"utterances"`
		} `json:"result"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return RecognitionEvent{}, false
	}

	ev := RecognitionEvent{Text: resp.Result.Text}
	for _, u := range resp.Result.Utterances {
		if u.Text != "" {
			ev.Text = u.Text
		}
		if u.Definite {
			ev.IsFinal = true
		}
	}
	if ev.Text == "" {
		return RecognitionEvent{}, false
	}
	return ev, true
}

func applyCorrections(text string, corrections map[string]string) string {
	for wrong, correct := range corrections {
		text = strings.ReplaceAll(text, wrong, correct)
	}
	return text
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RecognizeRealtime streams frames from audioSource into a new
// session, invoking onEvent for each incremental transcript, and
// returns the definite transcript. The stream ends when the service
// reports a definite result, when ctx is cancelled, or silently when
// the service goes quiet.
func (s *ASRClient) RecognizeRealtime(ctx context.Context, audioSource <-chan []byte, config *ASRConfig, onEvent func(RecognitionEvent)) (string, error) {
	session, err := s.OpenStream(ctx, config)
	if err != nil {
		return "", err
	}
	defer session.Close()

	sendDone := make(chan struct{})
	stopSend := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		defer close(sendDone)
		for {
			select {
			case <-stopSend:
				session.SendAudio(nil, true)
				return
			case <-ctx.Done():
				session.SendAudio(nil, true)
				return
			case chunk, ok := <-audioSource:
				if !ok {
					session.SendAudio(nil, true)
					return
				}
				if len(chunk) == 0 {
					continue
				}
				if err := session.SendAudio(chunk, false); err != nil {
					return
				}
			}
		}
	}()

	var finalText string
	for ev := range session.Events() {
		finalText = ev.Text
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.IsFinal {
			break
		}
	}

	// Stop the sender and wait for it to confirm before tearing down.
	stopOnce.Do(func() { close(stopSend) })
	<-sendDone

	if err := session.Err(); err != nil {
		return finalText, err
	}
	return finalText, nil
}

// Recognize performs one-shot recognition of a complete audio buffer,
// chunking it with light pacing to mimic real-time delivery.
func (s *ASRClient) Recognize(ctx context.Context, audio []byte, config *ASRConfig) (string, error) {
	session, err := s.OpenStream(ctx, config)
	if err != nil {
		return "", err
	}
	defer session.Close()

	const chunkSize = 3200 // 100ms at 16kHz mono
	go func() {
		for off := 0; off < len(audio); off += chunkSize {
			end := off + chunkSize
			if end > len(audio) {
				end = len(audio)
			}
			last := end == len(audio)
			if err := session.SendAudio(audio[off:end], last); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
		if len(audio) == 0 {
			session.SendAudio(nil, true)
		}
	}()

	var finalText string
	for ev := range session.Events() {
		finalText = ev.Text
		if ev.IsFinal {
			break
		}
	}
	if err := session.Err(); err != nil {
		return finalText, err
	}
	return strings.TrimSpace(finalText), nil
}
