package volcspeech

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// serverEventFrame builds a full-server event frame the way the
// synthesis service emits them: header, event number, session id for
// session-scoped events, then the sized payload.
func serverEventFrame(event int32, sessionID string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x11, 0x94, 0x10, 0x00})
	binary.Write(&buf, binary.BigEndian, event)
	if event != eventConnectionStarted && event != eventConnectionFailed {
		binary.Write(&buf, binary.BigEndian, uint32(len(sessionID)))
		buf.WriteString(sessionID)
	}
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// serverAudioFrame builds an audio-server frame carrying raw PCM.
func serverAudioFrame(sessionID string, audio []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x11, 0xB4, 0x00, 0x00})
	binary.Write(&buf, binary.BigEndian, int32(352))
	binary.Write(&buf, binary.BigEndian, uint32(len(sessionID)))
	buf.WriteString(sessionID)
	binary.Write(&buf, binary.BigEndian, uint32(len(audio)))
	buf.Write(audio)
	return buf.Bytes()
}

// startSynthServer runs an in-process synthesis endpoint that answers
// the connection and session handshakes, then hands the connection to
// script along with the session id the client chose.
func startSynthServer(t *testing.T, script func(conn *websocket.Conn, sessionID string)) *Client {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// StartConnection
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, serverEventFrame(eventConnectionStarted, "", nil))

		// StartSession carries the session id after the event number.
		_, data, err := conn.ReadMessage()
		if err != nil || len(data) < 12 {
			return
		}
		sidLen := binary.BigEndian.Uint32(data[8:12])
		if len(data) < 12+int(sidLen) {
			return
		}
		sessionID := string(data[12 : 12+sidLen])
		conn.WriteMessage(websocket.BinaryMessage, serverEventFrame(eventSessionStarted, sessionID, nil))

		script(conn, sessionID)
	}))
	t.Cleanup(srv.Close)

	return NewClient("test-app",
		WithAccessKey("test-key"),
		WithWSURL("ws"+strings.TrimPrefix(srv.URL, "http")),
	)
}

// A sentence boundary keeps the stream open; only SessionFinished
// closes Chunks, and frames written after it never reach the consumer.
func TestTTSSessionEndsOnSessionFinished(t *testing.T) {
	client := startSynthServer(t, func(conn *websocket.Conn, sid string) {
		// TaskRequest and FinishSession from Speak.
		conn.ReadMessage()
		conn.ReadMessage()

		conn.WriteMessage(websocket.BinaryMessage, serverAudioFrame(sid, []byte{1, 1}))
		conn.WriteMessage(websocket.BinaryMessage, serverEventFrame(eventSentenceEnd, sid, nil))
		conn.WriteMessage(websocket.BinaryMessage, serverAudioFrame(sid, []byte{2, 2}))
		conn.WriteMessage(websocket.BinaryMessage, serverEventFrame(eventSessionFinished, sid, nil))
		conn.WriteMessage(websocket.BinaryMessage, serverAudioFrame(sid, []byte{3, 3}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.TTS.OpenSession(ctx, &TTSConfig{Speaker: "zh_female_cancan"})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer session.Close()

	if err := session.Speak("你好"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	var chunks [][]byte
	for chunk := range session.Chunks() {
		chunks = append(chunks, chunk)
	}
	if err := session.Err(); err != nil {
		t.Fatalf("session error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: audio after SessionFinished must be dropped", len(chunks))
	}
	if !bytes.Equal(chunks[0], []byte{1, 1}) || !bytes.Equal(chunks[1], []byte{2, 2}) {
		t.Errorf("chunks = %v, want [[1 1] [2 2]]", chunks)
	}
}

func TestTTSSessionFailedSurfacesError(t *testing.T) {
	client := startSynthServer(t, func(conn *websocket.Conn, sid string) {
		conn.ReadMessage()
		conn.ReadMessage()
		conn.WriteMessage(websocket.BinaryMessage, serverEventFrame(eventSessionFailed, sid, nil))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.TTS.OpenSession(ctx, &TTSConfig{Speaker: "zh_female_cancan"})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer session.Close()

	if err := session.Speak("你好"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	for range session.Chunks() {
	}
	if session.Err() == nil {
		t.Error("expected a session error after SessionFailed")
	}
}

// recognizerServerFrame builds a full-server frame with a gzipped JSON
// payload, as the recognition service emits.
func recognizerServerFrame(t *testing.T, payload string) []byte {
	t.Helper()
	compressed, err := gzipCompress([]byte(payload))
	if err != nil {
		t.Fatalf("gzipCompress: %v", err)
	}
	var buf bytes.Buffer
	buf.Write([]byte{0x11, 0x90, 0x11, 0x00})
	binary.Write(&buf, binary.BigEndian, uint32(len(compressed)))
	buf.Write(compressed)
	return buf.Bytes()
}

// startRecognizerServer runs an in-process recognition endpoint that
// acknowledges the configuration frame, then hands the connection to
// script.
func startRecognizerServer(t *testing.T, script func(conn *websocket.Conn)) *Client {
	t.Helper()
	ack := recognizerServerFrame(t, `{"result":{}}`)
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, ack)

		script(conn)
	}))
	t.Cleanup(srv.Close)

	return NewClient("test-app",
		WithAccessKey("test-key"),
		WithWSURL("ws"+strings.TrimPrefix(srv.URL, "http")),
	)
}

// A server that goes quiet ends the session without an error and
// without a transcript.
func TestASRStreamEndsQuietlyOnReceiveTimeout(t *testing.T) {
	client := startRecognizerServer(t, func(conn *websocket.Conn) {
		// Swallow audio, never answer.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	client.config.recvTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.ASR.OpenStream(ctx, &ASRConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer session.Close()

	if err := session.SendAudio(make([]byte, 320), false); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case ev, ok := <-session.Events():
		if ok {
			t.Fatalf("unexpected event %+v from a silent server", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after the receive window expired")
	}
	if err := session.Err(); err != nil {
		t.Fatalf("a quiet stream must end without error, got %v", err)
	}
}

func TestASRStreamDefiniteResultEndsSession(t *testing.T) {
	partial := recognizerServerFrame(t, `{"result":{"text":"你","utterances":[{"text":"你","definite":false}]}}`)
	definite := recognizerServerFrame(t, `{"result":{"text":"你好","utterances":[{"text":"你好","definite":true}]}}`)

	client := startRecognizerServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, partial)
		conn.WriteMessage(websocket.BinaryMessage, definite)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.ASR.OpenStream(ctx, &ASRConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer session.Close()

	if err := session.SendAudio(make([]byte, 320), true); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	var events []RecognitionEvent
	for ev := range session.Events() {
		events = append(events, ev)
	}
	if err := session.Err(); err != nil {
		t.Fatalf("session error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	last := events[len(events)-1]
	if last.Text != "你好" || !last.IsFinal {
		t.Errorf("final event = %+v, want definite 你好", last)
	}
}
