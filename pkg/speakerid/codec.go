package speakerid

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Embeddings persist as packed little-endian float32 values.

func encodeEmbedding(emb []float32) []byte {
	out := make([]byte, len(emb)*4)
	for i, v := range emb {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("speakerid: embedding length %d not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
