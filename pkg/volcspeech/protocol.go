package volcspeech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Binary protocol framing.
//
// Every frame starts with a 4-byte header:
//   - (4bits) version + (4bits) header_size, always 0x11
//   - (4bits) message_type + (4bits) message_type_flags
//   - (4bits) serialization + (4bits) compression
//   - (8bits) reserved
//
// Recognition frames follow the header with a 4-byte big-endian payload
// size and the (possibly gzipped) payload. Synthesis frames are
// event-numbered: header, 4-byte event, for session-scoped events a
// 4-byte session-id length plus the session id, then payload size and
// payload.

type messageType byte
type messageTypeFlags byte
type serializationType byte
type compressionType byte

const (
	headerByte0 byte = 0x11 // version=1, header_size=1

	// Message types
	msgTypeFullClient  messageType = 0b0001
	msgTypeAudioOnly   messageType = 0b0010
	msgTypeFullServer  messageType = 0b1001
	msgTypeAudioServer messageType = 0b1011
	msgTypeError       messageType = 0b1111

	// Message type specific flags
	msgFlagNone      messageTypeFlags = 0b0000
	msgFlagLastAudio messageTypeFlags = 0b0010
	msgFlagWithEvent messageTypeFlags = 0b0100

	// Serialization types
	serializationNone serializationType = 0b0000
	serializationJSON serializationType = 0b0001

	// Compression types
	compressionNone compressionType = 0b0000
	compressionGzip compressionType = 0b0001
)

// Synthesis protocol events.
const (
	eventStartConnection   int32 = 1
	eventConnectionStarted int32 = 50
	eventConnectionFailed  int32 = 51
	eventStartSession      int32 = 100
	eventFinishSession     int32 = 102
	eventSessionStarted    int32 = 150
	eventSessionFinished   int32 = 152
	eventSessionFailed     int32 = 153
	eventTaskRequest       int32 = 200
	eventSentenceStart     int32 = 350
	eventSentenceEnd       int32 = 351
)

func buildHeader(msgType messageType, flags messageTypeFlags, ser serializationType, comp compressionType) []byte {
	return []byte{
		headerByte0,
		byte(msgType<<4) | byte(flags),
		byte(ser<<4) | byte(comp),
		0x00,
	}
}

// marshalConfigFrame builds the recognizer's first frame: a gzipped
// JSON configuration payload.
func marshalConfigFrame(payload []byte) ([]byte, error) {
	compressed, err := gzipCompress(payload)
	if err != nil {
		return nil, fmt.Errorf("gzip config payload: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(buildHeader(msgTypeFullClient, msgFlagNone, serializationJSON, compressionGzip))
	binary.Write(&buf, binary.BigEndian, uint32(len(compressed)))
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// marshalAudioFrame builds a gzipped audio-only frame. The last frame
// of a stream carries the last-audio flag and may be empty.
func marshalAudioFrame(audio []byte, last bool) ([]byte, error) {
	compressed, err := gzipCompress(audio)
	if err != nil {
		return nil, fmt.Errorf("gzip audio payload: %w", err)
	}
	flags := msgFlagNone
	if last {
		flags = msgFlagLastAudio
	}
	var buf bytes.Buffer
	buf.Write(buildHeader(msgTypeAudioOnly, flags, serializationNone, compressionGzip))
	binary.Write(&buf, binary.BigEndian, uint32(len(compressed)))
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// marshalEventFrame builds a synthesis control frame. Connection-level
// events (StartConnection) omit the session id; session-level events
// carry it after the event number.
func marshalEventFrame(event int32, sessionID string, payload []byte) []byte {
	if payload == nil {
		payload = []byte("{}")
	}
	var buf bytes.Buffer
	buf.Write(buildHeader(msgTypeFullClient, msgFlagWithEvent, serializationJSON, compressionNone))
	binary.Write(&buf, binary.BigEndian, event)
	if sessionID != "" {
		binary.Write(&buf, binary.BigEndian, uint32(len(sessionID)))
		buf.WriteString(sessionID)
	}
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// recognizerFrame is one decoded server message from the recognizer.
type recognizerFrame struct {
	msgType messageType
	flags   messageTypeFlags
	payload json.RawMessage
}

var gzipMagic = []byte{0x1f, 0x8b, 0x08}

// decodeRecognizerFrame decodes a server frame from the recognition
// stream. The server occasionally emits inconsistent size fields, so
// decoding tries three strategies in order: locate the JSON payload by
// brace matching, scan for a gzip magic marker and decompress from
// there, and only then trust the declared header and payload sizes.
func decodeRecognizerFrame(data []byte) (*recognizerFrame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("volcspeech: server frame too short: %d bytes", len(data))
	}
	frame := &recognizerFrame{
		msgType: messageType(data[1] >> 4),
		flags:   messageTypeFlags(data[1] & 0x0f),
	}

	// Strategy 1: brace-matched JSON anywhere in the frame.
	if payload := scanBraceJSON(data); payload != nil {
		frame.payload = payload
		return frame, nil
	}

	// Strategy 2: gzip stream located by its magic bytes.
	if pos := bytes.Index(data, gzipMagic); pos >= 0 {
		decompressed, err := gzipDecompress(data[pos:])
		if err == nil && json.Valid(decompressed) {
			frame.payload = decompressed
			return frame, nil
		}
	}

	// Strategy 3: declared header and payload sizes.
	headerSize := int(data[0]&0x0f) * 4
	if headerSize < 4 {
		headerSize = 4
	}
	if len(data) > headerSize+4 {
		payloadSize := int(binary.BigEndian.Uint32(data[headerSize : headerSize+4]))
		if payloadSize > 0 && headerSize+4+payloadSize <= len(data) {
			payload := data[headerSize+4 : headerSize+4+payloadSize]
			if decompressed, err := gzipDecompress(payload); err == nil {
				payload = decompressed
			}
			if json.Valid(payload) {
				frame.payload = payload
				return frame, nil
			}
		}
	}

	return frame, nil
}

// scanBraceJSON finds the first balanced {...} span in data and
// returns it if it parses as JSON.
func scanBraceJSON(data []byte) json.RawMessage {
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := data[start : i+1]
				if json.Valid(candidate) {
					return json.RawMessage(candidate)
				}
				return nil
			}
		}
	}
	return nil
}

// synthesizerFrame is one decoded server message from the synthesis
// stream.
type synthesizerFrame struct {
	msgType   messageType
	flags     messageTypeFlags
	event     int32
	sessionID string
	errorCode uint32
	payload   []byte
}

// decodeSynthesizerFrame decodes one event-framed server message:
// audio frames (msg_type=0xB), JSON event frames (msg_type=0x9), and
// error frames (msg_type=0xF).
func decodeSynthesizerFrame(data []byte) (*synthesizerFrame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("volcspeech: server frame too short: %d bytes", len(data))
	}
	frame := &synthesizerFrame{
		msgType: messageType(data[1] >> 4),
		flags:   messageTypeFlags(data[1] & 0x0f),
	}
	buf := bytes.NewBuffer(data[4:])

	if frame.msgType == msgTypeError {
		// header(4) + error_code(4) + payload_size(4) + message
		if err := binary.Read(buf, binary.BigEndian, &frame.errorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
		payload, err := readSizedPayload(buf)
		if err != nil {
			return nil, err
		}
		frame.payload = payload
		return frame, nil
	}

	// header(4) + event(4) + session_id_len(4) + session_id +
	// payload_size(4) + payload
	if err := binary.Read(buf, binary.BigEndian, &frame.event); err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	if frame.event != eventConnectionStarted && frame.event != eventConnectionFailed {
		var sessionIDLen uint32
		if err := binary.Read(buf, binary.BigEndian, &sessionIDLen); err != nil {
			return nil, fmt.Errorf("read session id length: %w", err)
		}
		if sessionIDLen > 0 {
			if int(sessionIDLen) > buf.Len() {
				return nil, fmt.Errorf("session id length %d exceeds frame", sessionIDLen)
			}
			frame.sessionID = string(buf.Next(int(sessionIDLen)))
		}
	}
	payload, err := readSizedPayload(buf)
	if err != nil {
		return nil, err
	}
	frame.payload = payload
	return frame, nil
}

func readSizedPayload(buf *bytes.Buffer) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if size == 0 {
		return nil, nil
	}
	if int(size) > buf.Len() {
		return nil, fmt.Errorf("payload size %d exceeds frame", size)
	}
	return buf.Next(int(size)), nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
