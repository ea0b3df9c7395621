// Package config loads the XML configuration that declares clips, tag
// subscriptions, alarm filters, volume controls, and the state machines that
// drive them. Parsing uses the standard library's encoding/xml: no
// third-party XML library appears anywhere this module was grounded on, so
// the loader stays stdlib-based behind the narrow Load seam below.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/elektrokapsel/audioplayer/internal/alarms"
	"github.com/elektrokapsel/audioplayer/internal/apperr"
	"github.com/elektrokapsel/audioplayer/internal/interp"
	"github.com/elektrokapsel/audioplayer/internal/tagcache"
)

// defaultChannelBudget is used when <playback_device> omits voices.
const defaultChannelBudget = 8

// DeviceConfig describes the single <playback_device> element.
type DeviceConfig struct {
	Rate          int
	Channels      int
	ChannelBudget int
}

// VolumeDecl is a declared <volume_control>.
type VolumeDecl struct {
	ID      string
	Initial float64
}

// FileClip is a <file> clip resolved to an absolute/relative filesystem path.
type FileClip struct {
	ID   string
	Path string
}

// SineClip is a <sine> clip.
type SineClip struct {
	ID        string
	Amplitude float64
	Frequency float64
	Duration  time.Duration
}

// FilterDecl is a declared <filter>.
type FilterDecl struct {
	ID          string
	Expression  string
	TagMatching string
	TagIgnored  string
}

// StateDecl is one <state>, already compiled into an interpreter node list.
type StateDecl struct {
	ID    string
	Nodes []interp.Node
}

// MachineDecl is one <state_machine>.
type MachineDecl struct {
	ID     string
	States []StateDecl
}

// Config is the fully loaded and validated configuration.
type Config struct {
	BindAddr string
	Device   DeviceConfig
	Volumes  []VolumeDecl
	Files    []FileClip
	Sines    []SineClip
	Tags     []string
	Filters  []FilterDecl
	Machines []MachineDecl
}

// Load reads and parses the configuration file at path, validating
// cross-references (duplicate clip ids, unresolved `action use=`, malformed
// durations, `goto` to an undeclared state) and returning apperr.ConfigError
// for any of them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewConfigError("read configuration", err)
	}

	var raw audioplayerXML
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, apperr.NewConfigError("parse configuration", err)
	}

	channelBudget := defaultChannelBudget
	if raw.Device.Voices != "" {
		n, err := strconv.Atoi(raw.Device.Voices)
		if err != nil || n < 1 {
			return nil, apperr.NewConfigError("playback_device", fmt.Errorf("invalid voices %q", raw.Device.Voices))
		}
		channelBudget = n
	}

	cfg := &Config{
		BindAddr: strings.TrimSpace(raw.Bind),
		Device: DeviceConfig{
			Rate:          raw.Device.Rate,
			Channels:      raw.Device.Channels,
			ChannelBudget: channelBudget,
		},
	}

	for _, t := range raw.Tags.Tags {
		cfg.Tags = append(cfg.Tags, strings.TrimSpace(t))
	}

	for _, v := range raw.Volumes {
		initial := 1.0
		if v.Initial != "" {
			f, err := strconv.ParseFloat(v.Initial, 64)
			if err != nil {
				return nil, apperr.NewConfigError("volume_control "+v.ID, fmt.Errorf("invalid initial gain %q: %w", v.Initial, err))
			}
			initial = f
		}
		cfg.Volumes = append(cfg.Volumes, VolumeDecl{ID: v.ID, Initial: initial})
	}

	clipIDs := make(map[string]bool)
	for _, f := range raw.Clips.Files {
		if clipIDs[f.ID] {
			return nil, apperr.NewConfigError("clips", fmt.Errorf("duplicate clip id %q", f.ID))
		}
		clipIDs[f.ID] = true
		cfg.Files = append(cfg.Files, FileClip{
			ID:   f.ID,
			Path: filepath.Join(raw.Clips.Path, strings.TrimSpace(f.Path)),
		})
	}
	for _, s := range raw.Clips.Sines {
		if clipIDs[s.ID] {
			return nil, apperr.NewConfigError("clips", fmt.Errorf("duplicate clip id %q", s.ID))
		}
		clipIDs[s.ID] = true

		amplitude, err := strconv.ParseFloat(s.Amplitude, 64)
		if err != nil {
			return nil, apperr.NewConfigError("sine "+s.ID, fmt.Errorf("invalid amplitude %q: %w", s.Amplitude, err))
		}
		frequency, err := strconv.ParseFloat(s.Frequency, 64)
		if err != nil {
			return nil, apperr.NewConfigError("sine "+s.ID, fmt.Errorf("invalid frequency %q: %w", s.Frequency, err))
		}
		duration, err := ParseDuration(s.Duration)
		if err != nil {
			return nil, apperr.NewConfigError("sine "+s.ID, err)
		}
		cfg.Sines = append(cfg.Sines, SineClip{ID: s.ID, Amplitude: amplitude, Frequency: frequency, Duration: duration})
	}

	for _, f := range raw.Alarms.Filters {
		cfg.Filters = append(cfg.Filters, FilterDecl{
			ID:          f.ID,
			Expression:  strings.TrimSpace(f.Expression),
			TagMatching: f.TagMatching,
			TagIgnored:  f.TagIgnored,
		})
	}

	b := newBuilder()
	for _, a := range raw.Actions {
		id, ok := a.attr("id")
		if !ok {
			return nil, apperr.NewConfigError("action", fmt.Errorf("top-level <action> is missing an id attribute"))
		}
		if _, exists := b.actionDefs[id]; exists {
			return nil, apperr.NewConfigError("action "+id, fmt.Errorf("duplicate action id %q", id))
		}
		b.actionDefs[id] = a
	}

	for _, m := range raw.Machines {
		stateIDs := make(map[string]bool, len(m.States))
		for _, s := range m.States {
			stateIDs[s.ID] = true
		}

		var states []StateDecl
		for _, s := range m.States {
			nodes, err := b.buildNodes(s.Nodes)
			if err != nil {
				return nil, apperr.NewConfigError(fmt.Sprintf("state_machine %s state %s", m.ID, s.ID), err)
			}
			if err := validateGotos(nodes, stateIDs); err != nil {
				return nil, apperr.NewConfigError(fmt.Sprintf("state_machine %s state %s", m.ID, s.ID), err)
			}
			states = append(states, StateDecl{ID: s.ID, Nodes: nodes})
		}
		cfg.Machines = append(cfg.Machines, MachineDecl{ID: m.ID, States: states})
	}

	return cfg, nil
}

func validateGotos(nodes []interp.Node, stateIDs map[string]bool) error {
	for _, n := range nodes {
		if err := validateGotoNode(n, stateIDs); err != nil {
			return err
		}
	}
	return nil
}

func validateGotoNode(n interp.Node, stateIDs map[string]bool) error {
	switch v := n.(type) {
	case *interp.Goto:
		if !stateIDs[v.State] {
			return fmt.Errorf("goto references undeclared state %q", v.State)
		}
	case *interp.Sequence:
		return validateGotos(v.Children, stateIDs)
	case *interp.Parallel:
		return validateGotos(v.Children, stateIDs)
	case *interp.Repeat:
		return validateGotos(v.Children, stateIDs)
	}
	return nil
}

// builder compiles the generic rawElement tree into interp.Node trees,
// resolving `action use=` references against the top-level <action>
// declarations. Resolved actions are cached and shared (not copied) across
// every use site, per the arena-reference model action trees use.
type builder struct {
	actionDefs     map[string]rawElement
	actionBuilt    map[string]interp.Node
	actionBuilding map[string]bool
}

func newBuilder() *builder {
	return &builder{
		actionDefs:     make(map[string]rawElement),
		actionBuilt:    make(map[string]interp.Node),
		actionBuilding: make(map[string]bool),
	}
}

func (b *builder) resolveAction(id string) (interp.Node, error) {
	if n, ok := b.actionBuilt[id]; ok {
		return n, nil
	}
	if b.actionBuilding[id] {
		return nil, fmt.Errorf("action %q: cyclic reference", id)
	}
	raw, ok := b.actionDefs[id]
	if !ok {
		return nil, fmt.Errorf("unresolved action reference %q", id)
	}

	b.actionBuilding[id] = true
	node, err := b.buildNodes(raw.Children)
	delete(b.actionBuilding, id)
	if err != nil {
		return nil, err
	}

	var result interp.Node
	if len(node) == 1 {
		result = node[0]
	} else {
		result = &interp.Sequence{Children: node}
	}
	b.actionBuilt[id] = result
	return result, nil
}

func (b *builder) buildNodes(elements []rawElement) ([]interp.Node, error) {
	nodes := make([]interp.Node, 0, len(elements))
	for _, e := range elements {
		n, err := b.buildNode(e)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (b *builder) buildNode(n rawElement) (interp.Node, error) {
	switch n.XMLName.Local {
	case "play":
		return buildPlay(n)
	case "wait":
		v, ok := n.attr("duration")
		if !ok {
			return nil, fmt.Errorf("wait: missing duration attribute")
		}
		d, err := ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("wait: %w", err)
		}
		return &interp.Wait{Duration: d}, nil
	case "wait_tag":
		return buildWaitTag(n)
	case "wait_alarm":
		return buildWaitAlarm(n)
	case "sequence":
		children, err := b.buildNodes(n.Children)
		if err != nil {
			return nil, err
		}
		return &interp.Sequence{Children: children}, nil
	case "parallel":
		children, err := b.buildNodes(n.Children)
		if err != nil {
			return nil, err
		}
		return &interp.Parallel{Children: children}, nil
	case "repeat":
		children, err := b.buildNodes(n.Children)
		if err != nil {
			return nil, err
		}
		var count *int
		if v, ok := n.attr("count"); ok {
			c, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("repeat: invalid count %q: %w", v, err)
			}
			count = &c
		}
		return &interp.Repeat{Children: children, Count: count}, nil
	case "goto":
		state, ok := n.attr("state")
		if !ok {
			return nil, fmt.Errorf("goto: missing state attribute")
		}
		return &interp.Goto{State: state}, nil
	case "set_tag":
		tag, ok := n.attr("tag")
		if !ok {
			return nil, fmt.Errorf("set_tag: missing tag attribute")
		}
		value, _ := n.attr("value")
		return &interp.SetTag{TagName: tag, Value: value}, nil
	case "set_volume":
		return buildSetVolume(n)
	case "ignore_alarms":
		filter, ok := n.attr("filter")
		if !ok {
			return nil, fmt.Errorf("ignore_alarms: missing filter attribute")
		}
		permanent := false
		if v, ok := n.attr("permanent"); ok {
			p, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("ignore_alarms %s: invalid permanent %q: %w", filter, v, err)
			}
			permanent = p
		}
		return &interp.IgnoreAlarms{FilterID: filter, Permanent: permanent}, nil
	case "restore_alarms":
		filter, ok := n.attr("filter")
		if !ok {
			return nil, fmt.Errorf("restore_alarms: missing filter attribute")
		}
		return &interp.RestoreAlarms{FilterID: filter}, nil
	case "debug":
		msg := strings.TrimSpace(n.Text)
		if msg == "" {
			msg, _ = n.attr("message")
		}
		return &interp.Debug{Message: msg}, nil
	case "action":
		use, ok := n.attr("use")
		if !ok {
			return nil, fmt.Errorf("action: missing use attribute")
		}
		return b.resolveAction(use)
	default:
		return nil, fmt.Errorf("unknown action element <%s>", n.XMLName.Local)
	}
}

func buildPlay(n rawElement) (interp.Node, error) {
	clipID, ok := n.attr("clip")
	if !ok {
		return nil, fmt.Errorf("play: missing clip attribute")
	}
	priority := 0
	if v, ok := n.attr("priority"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("play %s: invalid priority %q: %w", clipID, v, err)
		}
		priority = p
	}
	var timeout time.Duration
	if v, ok := n.attr("timeout"); ok {
		d, err := ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("play %s: %w", clipID, err)
		}
		timeout = d
	}
	return &interp.Play{ClipID: clipID, Priority: priority, Timeout: timeout}, nil
}

func buildWaitTag(n rawElement) (interp.Node, error) {
	name, ok := n.attr("name")
	if !ok {
		return nil, fmt.Errorf("wait_tag: missing name attribute")
	}

	var preds []tagcache.Predicate
	numeric := map[string]func(float64) tagcache.Predicate{
		"eq": tagcache.Eq, "ne": tagcache.Ne,
		"lt": tagcache.Lt, "le": tagcache.Le,
		"gt": tagcache.Gt, "ge": tagcache.Ge,
	}
	for attr, ctor := range numeric {
		v, ok := n.attr(attr)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("wait_tag %s: invalid %s %q: %w", name, attr, v, err)
		}
		preds = append(preds, ctor(f))
	}
	if v, ok := n.attr("eq_str"); ok {
		preds = append(preds, tagcache.EqStr(v))
	}
	if v, ok := n.attr("ne_str"); ok {
		preds = append(preds, tagcache.NeStr(v))
	}
	if _, ok := n.attr("changed"); ok {
		preds = append(preds, tagcache.Changed())
	}
	if len(preds) == 0 {
		preds = append(preds, tagcache.Changed())
	}

	return &interp.WaitTag{TagName: name, Predicate: tagcache.And(preds...)}, nil
}

func buildWaitAlarm(n rawElement) (interp.Node, error) {
	filter, ok := n.attr("filter")
	if !ok {
		return nil, fmt.Errorf("wait_alarm: missing filter attribute")
	}
	modeStr, _ := n.attr("mode")
	mode, err := parseAlarmMode(modeStr)
	if err != nil {
		return nil, fmt.Errorf("wait_alarm %s: %w", filter, err)
	}
	return &interp.WaitAlarm{FilterID: filter, Mode: mode}, nil
}

func parseAlarmMode(s string) (alarms.Mode, error) {
	switch s {
	case "", "none":
		return alarms.ModeNone, nil
	case "any":
		return alarms.ModeAny, nil
	case "inc":
		return alarms.ModeInc, nil
	case "dec":
		return alarms.ModeDec, nil
	default:
		return alarms.ModeNone, fmt.Errorf("unknown wait_alarm mode %q", s)
	}
}

func buildSetVolume(n rawElement) (interp.Node, error) {
	control, ok := n.attr("control")
	if !ok {
		return nil, fmt.Errorf("set_volume: missing control attribute")
	}
	if v, ok := n.attr("value"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("set_volume %s: invalid value %q: %w", control, v, err)
		}
		return &interp.SetVolume{ControlID: control, Literal: &f}, nil
	}
	for _, c := range n.Children {
		if c.XMLName.Local == "tag_value" {
			return &interp.SetVolume{ControlID: control, SourceTag: strings.TrimSpace(c.Text)}, nil
		}
	}
	return nil, fmt.Errorf("set_volume %s: requires a value attribute or a tag_value child", control)
}
