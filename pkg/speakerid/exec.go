package speakerid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// ExecExtractor runs an external speaker-encoder program once per
// extraction. The program receives mono s16le PCM on stdin, the sample
// rate as its last argument, and must print the embedding as a JSON
// array of numbers on stdout.
type ExecExtractor struct {
	// Path is the encoder executable.
	Path string

	// Args are fixed arguments placed before the sample rate.
	Args []string
}

// NewExecExtractor creates an extractor invoking the given program.
func NewExecExtractor(path string, args ...string) *ExecExtractor {
	return &ExecExtractor{Path: path, Args: args}
}

// Extract implements Extractor.
func (e *ExecExtractor) Extract(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error) {
	args := append(append([]string{}, e.Args...), strconv.Itoa(sampleRate))
	cmd := exec.CommandContext(ctx, e.Path, args...)
	cmd.Stdin = bytes.NewReader(pcm)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("speakerid: encoder failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("speakerid: encoder failed: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &embedding); err != nil {
		return nil, fmt.Errorf("speakerid: parse encoder output: %w", err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("speakerid: encoder returned empty embedding")
	}
	return embedding, nil
}
