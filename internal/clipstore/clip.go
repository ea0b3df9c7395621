// Package clipstore holds the decoded PCM buffers the mixer plays: clips
// loaded from WAV files and clips synthesised from <sine> declarations. A
// Store is written once during configuration load and is read-only for the
// remainder of the process, so no synchronisation is needed once Freeze has
// been called.
package clipstore

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/elektrokapsel/audioplayer/internal/apperr"
)

// Clip is an immutable, interleaved float32 PCM buffer, addressable by id.
// Amplitude is in [-1, 1]. Clips are shared read-only after load; the mixer
// never mutates Samples.
type Clip struct {
	ID         string
	Channels   int
	SampleRate int
	Samples    []float32
}

// Frames returns the number of sample frames (per-channel) in the clip.
func (c *Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Store maps clip id to Clip. Loading methods are only safe to call before
// Freeze; Get takes the store's mutex, so it is safe for concurrent use at
// any time, matching the clip store's single-write-at-load, many-read-after
// lifecycle.
type Store struct {
	mu     sync.Mutex
	clips  map[string]*Clip
	frozen bool
}

// New returns an empty Store ready to receive LoadWAV/AddSine calls.
func New() *Store {
	return &Store{clips: make(map[string]*Clip)}
}

// Freeze marks the store read-only. Further load calls panic; this is a
// programmer-error guard, not a runtime condition callers need to recover
// from.
func (s *Store) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Get returns the clip registered under id, if any.
func (s *Store) Get(id string) (*Clip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clips[id]
	return c, ok
}

func (s *Store) insert(id string, c *Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		panic("clipstore: load after Freeze")
	}
	if _, exists := s.clips[id]; exists {
		return apperr.NewConfigError("clip store", fmt.Errorf("duplicate clip id %q", id))
	}
	s.clips[id] = c
	return nil
}

// LoadWAV decodes the WAV file at path (resolved by the caller against the
// <clips path="..."> base) and registers it under id at the file's own
// sample rate and channel count. The mixer resamples at voice-start time,
// not here.
func (s *Store) LoadWAV(id, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperr.NewConfigError("load clip "+id, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return apperr.NewConfigError("load clip "+id, fmt.Errorf("%s: not a valid WAV file", filepath.Base(path)))
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return apperr.NewConfigError("load clip "+id, fmt.Errorf("decode %s: %w", filepath.Base(path), err))
	}

	channels := buf.Format.NumChannels
	samples := make([]float32, len(buf.Data))
	max := float32(int(1) << (uint(buf.SourceBitDepth) - 1))
	if buf.SourceBitDepth == 0 {
		max = math.MaxInt16
	}
	for i, v := range buf.Data {
		samples[i] = float32(v) / max
	}

	return s.insert(id, &Clip{
		ID:         id,
		Channels:   channels,
		SampleRate: buf.Format.SampleRate,
		Samples:    samples,
	})
}

// AddSine synthesises round(duration * rate) mono samples of
// amplitude*sin(2*pi*frequency*t) at the given rate and registers them under
// id. Amplitude is clamped to [0, 1]. Synthesising at the
// device's own output rate (rather than the clip's own arbitrary rate) is
// cheaper than resampling a sine clip later, since it is generated, not
// decoded.
func (s *Store) AddSine(id string, amplitude, frequency float64, duration time.Duration, rate int) error {
	if amplitude < 0 {
		amplitude = 0
	} else if amplitude > 1 {
		amplitude = 1
	}

	n := int(math.Round(duration.Seconds() * float64(rate)))
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(rate)
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*frequency*t))
	}

	return s.insert(id, &Clip{
		ID:         id,
		Channels:   1,
		SampleRate: rate,
		Samples:    samples,
	})
}
