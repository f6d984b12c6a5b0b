// Package speakerid keeps a registry of known speakers and matches new
// utterances against their stored voiceprint embeddings. Embeddings come
// from an external Extractor; the registry handles matching, progressive
// updates, and persistence.
package speakerid

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/kv"
)

const (
	// DefaultThreshold is the cosine similarity below which a voice is
	// treated as an unknown speaker.
	DefaultThreshold = 0.90

	// DefaultUpdateWeight is the blend weight of a fresh embedding when
	// updating a matched speaker's stored voiceprint.
	DefaultUpdateWeight = 0.1

	profilePrefix   = "speaker/profile/"
	embeddingPrefix = "speaker/embedding/"
)

// Extractor derives a voiceprint embedding from mono s16le PCM audio.
// Implementations typically wrap an external speaker-encoder model.
type Extractor interface {
	Extract(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error)
}

// Profile describes a registered speaker.
type Profile struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	RegisteredAt     time.Time `json:"registered_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	InteractionCount int       `json:"interaction_count"`
}

// Match is the outcome of an identification attempt. SpeakerID is empty
// when no registered speaker cleared the similarity threshold; Embedding
// is still populated so the caller can start a registration.
type Match struct {
	SpeakerID  string
	Name       string
	Similarity float64
	Embedding  []float32
}

// Known reports whether the match resolved to a registered speaker.
func (m Match) Known() bool { return m.SpeakerID != "" }

// Identifier matches utterances against registered voiceprints.
type Identifier struct {
	store     kv.Store
	extractor Extractor
	threshold float64
	weight    float64

	mu         sync.Mutex
	profiles   map[string]*Profile
	embeddings map[string][]float32
	pending    []float32
}

type Option func(*Identifier)

// WithThreshold overrides the similarity threshold.
func WithThreshold(t float64) Option {
	return func(id *Identifier) { id.threshold = t }
}

// WithUpdateWeight overrides the progressive update blend weight.
func WithUpdateWeight(w float64) Option {
	return func(id *Identifier) { id.weight = w }
}

// New loads the registry from store. extractor may be nil, in which
// case Identify fails and only the registry operations are usable.
func New(ctx context.Context, store kv.Store, extractor Extractor, opts ...Option) (*Identifier, error) {
	id := &Identifier{
		store:      store,
		extractor:  extractor,
		threshold:  DefaultThreshold,
		weight:     DefaultUpdateWeight,
		profiles:   make(map[string]*Profile),
		embeddings: make(map[string][]float32),
	}
	for _, o := range opts {
		o(id)
	}

	for entry, err := range store.List(ctx, profilePrefix) {
		if err != nil {
			return nil, fmt.Errorf("load speaker profiles: %w", err)
		}
		var p Profile
		if err := json.Unmarshal(entry.Value, &p); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", entry.Key, err)
		}
		id.profiles[p.ID] = &p
	}
	for entry, err := range store.List(ctx, embeddingPrefix) {
		if err != nil {
			return nil, fmt.Errorf("load speaker embeddings: %w", err)
		}
		emb, err := decodeEmbedding(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("decode embedding %s: %w", entry.Key, err)
		}
		id.embeddings[strings.TrimPrefix(entry.Key, embeddingPrefix)] = emb
	}
	return id, nil
}

// Identify extracts a voiceprint from pcm and matches it against the
// registry. The best match wins if it clears the threshold.
func (id *Identifier) Identify(ctx context.Context, pcm []byte, sampleRate int) (Match, error) {
	if id.extractor == nil {
		return Match{}, fmt.Errorf("speakerid: no extractor configured")
	}
	emb, err := id.extractor.Extract(ctx, pcm, sampleRate)
	if err != nil {
		return Match{}, fmt.Errorf("extract embedding: %w", err)
	}
	return id.match(emb), nil
}

func (id *Identifier) match(emb []float32) Match {
	id.mu.Lock()
	defer id.mu.Unlock()

	best := Match{Embedding: emb}
	for sid, registered := range id.embeddings {
		sim := cosine(emb, registered)
		if sim > best.Similarity {
			best.Similarity = sim
			if sim >= id.threshold {
				best.SpeakerID = sid
			} else {
				best.SpeakerID = ""
			}
		}
	}
	if best.SpeakerID != "" {
		if p, ok := id.profiles[best.SpeakerID]; ok {
			best.Name = p.Name
		}
	}
	return best
}

// Register adds a new speaker with the given name and embedding and
// returns its id. Name collisions get a numeric suffix.
func (id *Identifier) Register(ctx context.Context, name string, emb []float32) (string, error) {
	if len(emb) == 0 {
		return "", fmt.Errorf("speakerid: empty embedding")
	}

	id.mu.Lock()
	sid := slug(name)
	base := sid
	for n := 1; ; n++ {
		if _, exists := id.profiles[sid]; !exists {
			break
		}
		sid = fmt.Sprintf("%s_%d", base, n)
	}
	now := time.Now()
	profile := &Profile{
		ID:               sid,
		Name:             name,
		RegisteredAt:     now,
		UpdatedAt:        now,
		InteractionCount: 1,
	}
	id.profiles[sid] = profile
	id.embeddings[sid] = emb
	id.mu.Unlock()

	if err := id.persist(ctx, profile, emb); err != nil {
		return "", err
	}
	return sid, nil
}

// UpdateEmbedding blends a fresh embedding into the stored one so the
// voiceprint tracks gradual voice changes, and bumps the interaction
// counter. Unknown ids are ignored.
func (id *Identifier) UpdateEmbedding(ctx context.Context, sid string, emb []float32) error {
	id.mu.Lock()
	old, ok := id.embeddings[sid]
	if !ok || len(old) != len(emb) {
		id.mu.Unlock()
		return nil
	}
	updated := make([]float32, len(old))
	for i := range old {
		updated[i] = float32((1-id.weight)*float64(old[i]) + id.weight*float64(emb[i]))
	}
	normalize(updated)
	id.embeddings[sid] = updated

	profile := id.profiles[sid]
	if profile != nil {
		profile.UpdatedAt = time.Now()
		profile.InteractionCount++
	}
	id.mu.Unlock()

	if profile == nil {
		return nil
	}
	return id.persist(ctx, profile, updated)
}

// Name returns the display name for a speaker id, empty if unknown.
func (id *Identifier) Name(sid string) string {
	id.mu.Lock()
	defer id.mu.Unlock()
	if p, ok := id.profiles[sid]; ok {
		return p.Name
	}
	return ""
}

// List returns all registered speakers ordered by id.
func (id *Identifier) List() []Profile {
	id.mu.Lock()
	defer id.mu.Unlock()
	out := make([]Profile, 0, len(id.profiles))
	for _, p := range id.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete removes a speaker and its voiceprint. Reports whether the
// speaker existed.
func (id *Identifier) Delete(ctx context.Context, sid string) (bool, error) {
	id.mu.Lock()
	_, ok := id.profiles[sid]
	delete(id.profiles, sid)
	delete(id.embeddings, sid)
	id.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := id.store.Delete(ctx, profilePrefix+sid); err != nil {
		return true, err
	}
	if err := id.store.Delete(ctx, embeddingPrefix+sid); err != nil {
		return true, err
	}
	return true, nil
}

// SetPending parks an unmatched embedding until the user supplies a
// name. It replaces any previous pending embedding.
func (id *Identifier) SetPending(emb []float32) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.pending = emb
}

// HasPending reports whether a registration is waiting for a name.
func (id *Identifier) HasPending() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.pending != nil
}

// CompleteRegistration registers the pending embedding under name.
func (id *Identifier) CompleteRegistration(ctx context.Context, name string) (string, error) {
	id.mu.Lock()
	emb := id.pending
	id.pending = nil
	id.mu.Unlock()

	if emb == nil {
		return "", fmt.Errorf("speakerid: no pending registration")
	}
	return id.Register(ctx, name, emb)
}

// CancelPending drops the pending embedding.
func (id *Identifier) CancelPending() {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.pending = nil
}

func (id *Identifier) persist(ctx context.Context, profile *Profile, emb []float32) error {
	id.mu.Lock()
	data, err := json.Marshal(profile)
	id.mu.Unlock()
	if err != nil {
		return err
	}
	if err := id.store.Set(ctx, profilePrefix+profile.ID, data); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	if err := id.store.Set(ctx, embeddingPrefix+profile.ID, encodeEmbedding(emb)); err != nil {
		return fmt.Errorf("persist embedding: %w", err)
	}
	return nil
}

func slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// cosine computes cosine similarity; mismatched or zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
