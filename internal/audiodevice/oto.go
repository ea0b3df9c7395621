//go:build !headless

// Package audiodevice wraps the platform audio output behind the minimal
// contract the mixer needs: open a stream at a fixed rate/channel count and
// pull frames from a render callback. The default build uses oto, with an
// atomic-pointer-for-lock-free-Read structure so the renderer can be swapped
// without the audio thread ever taking a lock.
package audiodevice

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"
)

// Renderer produces n interleaved float32 frames (len(out) == n*channels)
// into out. It is called from the oto read goroutine, which behaves as the
// realtime audio thread: Renderer implementations must not block.
type Renderer interface {
	Render(out []float32, n int)
}

// OtoDevice plays audio produced by a Renderer through oto/v3.
type OtoDevice struct {
	ctx       *oto.Context
	player    *oto.Player
	renderer  atomic.Pointer[Renderer] // atomic for lock-free Read()
	channels  int
	sampleBuf []float32 // pre-allocated, grown on demand; Read never allocates in steady state
	started   bool
	mu        sync.Mutex // only for setup/control operations, never the hot path
}

// NewOtoDevice opens an oto context at rate/channels. The device is not
// producing sound until SetRenderer and Start are both called.
func NewOtoDevice(rate, channels int) (*OtoDevice, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   0, // let oto pick a sane default period
	}

	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	d := &OtoDevice{ctx: ctx, channels: channels}
	d.player = ctx.NewPlayer(d)
	// Pre-allocate for a typical oto period; Read grows this on demand, which
	// should happen at most once after the first callback.
	d.sampleBuf = make([]float32, 1024*channels)
	return d, nil
}

// SetRenderer installs the Renderer that supplies samples. Safe to call
// before Start, or to swap at any time — the next Read picks it up.
func (d *OtoDevice) SetRenderer(r Renderer) {
	d.renderer.Store(&r)
}

// Read implements io.Reader for oto.Player. Reads 0s if no renderer is set.
func (d *OtoDevice) Read(p []byte) (int, error) {
	rp := d.renderer.Load()
	if rp == nil {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := len(p) / 4 / d.channels
	if needed := n * d.channels; len(d.sampleBuf) < needed {
		d.sampleBuf = make([]float32, needed)
	}
	buf := d.sampleBuf[:n*d.channels]
	(*rp).Render(buf, n)

	for i, s := range buf {
		bits := math.Float32bits(s)
		p[i*4] = byte(bits)
		p[i*4+1] = byte(bits >> 8)
		p[i*4+2] = byte(bits >> 16)
		p[i*4+3] = byte(bits >> 24)
	}
	return len(p), nil
}

func (d *OtoDevice) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		d.player.Play()
		d.started = true
	}
}

func (d *OtoDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.player.Pause()
		d.started = false
	}
}

func (d *OtoDevice) Close() error {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.player.Close()
}

func (d *OtoDevice) IsStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}
