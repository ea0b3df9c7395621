// Package mixer implements the real-time audio mixer/output pipeline:
// multi-voice priority mixing, linear resampling, software volume, and the
// device callback contract.
//
// The callback (Render) is the only realtime-constrained code in this
// package: it never allocates on its steady-state path and never blocks on
// the tag cache or alarm registry locks. Voice lifecycle commands arrive
// through a bounded channel drained at the top of each callback; completion
// events are delivered to the interpreter task that started the voice
// through a dedicated per-voice channel, never a shared one, so one slow
// consumer cannot stall delivery to another.
package mixer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elektrokapsel/audioplayer/internal/apperr"
	"github.com/elektrokapsel/audioplayer/internal/clipstore"
)

func errUnknownVolume(id string) error {
	return fmt.Errorf("unknown volume control %q", id)
}

func errUnsupportedChannelMap(clipChannels, deviceChannels int) error {
	return fmt.Errorf("unsupported channel map: clip has %d channel(s), device has %d", clipChannels, deviceChannels)
}

// Reason identifies why a voice stopped.
type Reason int

const (
	ReasonNatural Reason = iota
	ReasonPreempted
	ReasonCancelled
	ReasonRejected
)

func (r Reason) String() string {
	switch r {
	case ReasonNatural:
		return "natural"
	case ReasonPreempted:
		return "preempted"
	case ReasonCancelled:
		return "cancelled"
	case ReasonRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Handle is returned by StartVoice. Done fires exactly once, with the reason
// the voice stopped.
type Handle struct {
	id   uint64
	done chan Reason
}

// Done returns the channel the voice's completion is delivered on.
func (h *Handle) Done() <-chan Reason { return h.done }

// command is a voice-lifecycle request posted to the mixer's command queue.
// The device callback is the only goroutine that mutates the live-voice
// table; commands cross that boundary through this queue rather than a
// shared lock.
type command struct {
	kind    cmdKind
	voiceID uint64
	clip    *clipstore.Clip
	priority int
	done    chan Reason
	volID   string
	gain    float64
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdSetVolume
)

type voice struct {
	id       uint64
	clip     *clipstore.Clip
	cursor   float64 // fractional source-sample cursor, for resampling
	step     float64 // source samples advanced per output frame
	priority int
	done     chan Reason
	started  time.Time
}

// commandQueueCapacity bounds the number of pending start/stop commands the
// mixer will buffer (volume changes bypass the queue; see SetVolume). start_voice blocks the calling interpreter
// task (never the audio thread) once the queue is full.
const commandQueueCapacity = 64

// Mixer owns the live-voice table and the software volume controls. Create
// one per <playback_device> element; the schema permits exactly one.
type Mixer struct {
	deviceRate     int
	deviceChannels int
	channelBudget  int

	logger *slog.Logger

	cmds chan command

	mu        sync.Mutex // live-voice table; touched only by the callback goroutine and Render's drain step
	voices    []*voice
	nextID    uint64

	volumes sync.Map // control id (string) -> *atomic.Uint64 holding float64 bits
}

// New creates a Mixer for a device running at rate/channels with the given
// hardware channel budget (the maximum number of concurrently live voices).
func New(logger *slog.Logger, rate, channels, channelBudget int) *Mixer {
	if channelBudget < 1 {
		channelBudget = 1
	}
	return &Mixer{
		deviceRate:     rate,
		deviceChannels: channels,
		channelBudget:  channelBudget,
		logger:         logger,
		cmds:           make(chan command, commandQueueCapacity),
	}
}

// DeclareVolume registers a named software volume control at its initial
// gain, as declared by a <volume_control id initial?> configuration element.
func (m *Mixer) DeclareVolume(id string, initial float64) {
	v := new(atomic.Uint64)
	v.Store(math.Float64bits(initial))
	m.volumes.Store(id, v)
}

// SetVolume updates the named volume control's gain. Takes effect on the
// next device callback. Returns an error if the control was never declared.
func (m *Mixer) SetVolume(id string, gain float64) error {
	v, ok := m.volumes.Load(id)
	if !ok {
		return apperr.NewActionRuntimeError("set_volume", errUnknownVolume(id))
	}
	v.(*atomic.Uint64).Store(math.Float64bits(gain))
	return nil
}

func (m *Mixer) volumeProduct() float64 {
	product := 1.0
	m.volumes.Range(func(_, value any) bool {
		bits := value.(*atomic.Uint64).Load()
		product *= math.Float64frombits(bits)
		return true
	})
	return product
}

// StartVoice allocates a voice playing clip at priority. Admission rule:
// admit outright if a free channel slot exists; otherwise evict the
// lowest-priority live voice if priority is strictly greater than it, or
// reject. Channel up/down-mix follows mono<->stereo duplication/averaging;
// any other channel combination is rejected with UnsupportedChannelMap
// before a command is even queued, since that check needs no audio-thread
// state.
//
// StartVoice blocks the calling goroutine (never the audio callback) while
// the command queue is full, and returns early if ctx is done first.
func (m *Mixer) StartVoice(ctx context.Context, clip *clipstore.Clip, priority int) (*Handle, error) {
	if (clip.Channels != 1 && clip.Channels != 2) || (m.deviceChannels != 1 && m.deviceChannels != 2) {
		return nil, apperr.NewActionRuntimeError("play", errUnsupportedChannelMap(clip.Channels, m.deviceChannels))
	}

	id := atomic.AddUint64(&m.nextID, 1)
	done := make(chan Reason, 1)
	cmd := command{kind: cmdStart, voiceID: id, clip: clip, priority: priority, done: done}

	select {
	case m.cmds <- cmd:
		return &Handle{id: id, done: done}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StopVoice requests cancellation of a live voice. Idempotent: stopping an
// already-finished or already-stopped voice is a no-op. The completion
// signal, if the voice was still live, fires with ReasonCancelled.
func (m *Mixer) StopVoice(h *Handle) {
	if h == nil {
		return
	}
	select {
	case m.cmds <- command{kind: cmdStop, voiceID: h.id}:
	default:
		// Queue full: drop the stop silently is not acceptable per the
		// backpressure contract, so fall back to a blocking send. This
		// never happens from the audio thread, only from interpreter
		// goroutines, so blocking here is safe.
		m.cmds <- command{kind: cmdStop, voiceID: h.id}
	}
}

// Render produces n interleaved output frames at the device's own channel
// count into out (len(out) must be n*deviceChannels). It is the device
// callback: it must not allocate beyond what is already amortised in Mixer,
// must not take the tag-cache/alarm-registry locks (it never references
// them), and must complete within the device's period.
func (m *Mixer) Render(out []float32, n int) {
	m.drainCommands()

	for i := range out {
		out[i] = 0
	}

	m.mu.Lock()
	live := m.voices
	m.mu.Unlock()

	kept := live[:0]
	for _, v := range live {
		framesLeft := mixVoice(v, out, n, m.deviceChannels)
		if framesLeft {
			kept = append(kept, v)
		} else {
			v.done <- ReasonNatural
		}
	}

	m.mu.Lock()
	m.voices = kept
	m.mu.Unlock()

	gain := float32(m.volumeProduct())
	for i := range out {
		s := out[i] * gain
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = s
	}
}

// mixVoice resamples and mix-adds up to n frames of v into out (which has
// deviceChannels channels), advancing v's cursor. It returns true if the
// voice still has samples left after this callback, false if it reached the
// end of its clip.
func mixVoice(v *voice, out []float32, n, deviceChannels int) bool {
	srcFrames := v.clip.Frames()
	srcChannels := v.clip.Channels

	for frame := 0; frame < n; frame++ {
		idx := int(v.cursor)
		if idx >= srcFrames {
			return false
		}

		var left, right float32
		if idx+1 < srcFrames {
			frac := float32(v.cursor - float64(idx))
			left = lerp(srcSample(v.clip, idx, 0, srcChannels), srcSample(v.clip, idx+1, 0, srcChannels), frac)
			if srcChannels == 2 {
				right = lerp(srcSample(v.clip, idx, 1, srcChannels), srcSample(v.clip, idx+1, 1, srcChannels), frac)
			} else {
				right = left
			}
		} else {
			left = srcSample(v.clip, idx, 0, srcChannels)
			right = left
			if srcChannels == 2 {
				right = srcSample(v.clip, idx, 1, srcChannels)
			}
		}

		switch {
		case srcChannels == 1 && deviceChannels == 1:
			out[frame] += left
		case srcChannels == 1 && deviceChannels == 2:
			out[frame*2] += left
			out[frame*2+1] += left
		case srcChannels == 2 && deviceChannels == 2:
			out[frame*2] += left
			out[frame*2+1] += right
		case srcChannels == 2 && deviceChannels == 1:
			out[frame] += (left + right) / 2
		}

		v.cursor += v.step
		if int(v.cursor) >= srcFrames {
			return false
		}
	}
	return true
}

func srcSample(c *clipstore.Clip, frame, channel, channels int) float32 {
	return c.Samples[frame*channels+channel]
}

func lerp(a, b, t float32) float32 { return a + (b-a)*t }

// drainCommands processes every command currently queued (non-blocking),
// applying the priority admission rule for starts.
func (m *Mixer) drainCommands() {
	for {
		select {
		case cmd := <-m.cmds:
			m.applyCommand(cmd)
		default:
			return
		}
	}
}

func (m *Mixer) applyCommand(cmd command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.kind {
	case cmdStart:
		m.admitLocked(cmd)
	case cmdStop:
		for i, v := range m.voices {
			if v.id == cmd.voiceID {
				v.done <- ReasonCancelled
				m.voices = append(m.voices[:i], m.voices[i+1:]...)
				return
			}
		}
	}
}

// admitLocked applies the admission rule: admit if under budget; otherwise
// evict the minimum-priority live voice if the request strictly exceeds it
// (ties favour the incumbent); otherwise reject.
func (m *Mixer) admitLocked(cmd command) {
	v := &voice{
		id:       cmd.voiceID,
		clip:     cmd.clip,
		priority: cmd.priority,
		done:     cmd.done,
		started:  time.Now(),
		step:     float64(cmd.clip.SampleRate) / float64(m.deviceRate),
	}

	if len(m.voices) < m.channelBudget {
		m.voices = append(m.voices, v)
		return
	}

	minIdx, minPriority := -1, 0
	for i, existing := range m.voices {
		if minIdx == -1 || existing.priority < minPriority {
			minIdx, minPriority = i, existing.priority
		}
	}

	if minIdx >= 0 && cmd.priority > minPriority {
		evicted := m.voices[minIdx]
		evicted.done <- ReasonPreempted
		m.voices[minIdx] = v
		return
	}

	cmd.done <- ReasonRejected
}

// LiveVoices reports the current number of live voices. Exposed for tests
// exercising the channel-budget invariant; never called from the callback.
func (m *Mixer) LiveVoices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}
