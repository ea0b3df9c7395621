//go:build headless

package audiodevice

// Renderer produces n interleaved float32 frames (len(out) == n*channels)
// into out.
type Renderer interface {
	Render(out []float32, n int)
}

// OtoDevice is a no-op stand-in used for headless test/CI environments that
// have no audio hardware.
type OtoDevice struct {
	started  bool
	renderer Renderer
	channels int
}

func NewOtoDevice(rate, channels int) (*OtoDevice, error) {
	return &OtoDevice{channels: channels}, nil
}

func (d *OtoDevice) SetRenderer(r Renderer) { d.renderer = r }

func (d *OtoDevice) Start() { d.started = true }

func (d *OtoDevice) Stop() { d.started = false }

func (d *OtoDevice) Close() error { d.started = false; return nil }

func (d *OtoDevice) IsStarted() bool { return d.started }
