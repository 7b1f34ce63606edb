package nvenc

import "go.uber.org/zap"

// presetCandidate is one rung of the preset negotiation ladder.
type presetCandidate struct {
	GUID        GUID
	Tuning      TuningInfo
	Description string
}

func (c presetCandidate) name() string {
	if c.Description != "" {
		return c.Description
	}
	return PresetName(c.GUID)
}

// validationTunings are tried, in order, when the plain preset query for
// LOW_LATENCY_HQ fails and the runtime has the tuning-aware entry point.
var validationTunings = []TuningInfo{
	TuningLowLatency,
	TuningHighQuality,
	TuningUndefined,
	TuningUltraLowLatency,
	TuningLossless,
}

// builtinPresetLadder is tried before anything the runtime enumerates.
func builtinPresetLadder() []presetCandidate {
	return []presetCandidate{
		{PresetLowLatencyHQGUID, TuningLowLatency, "NV_ENC_PRESET_LOW_LATENCY_HQ"},
		{PresetDefaultGUID, TuningHighQuality, "NV_ENC_PRESET_DEFAULT"},
		{PresetP1GUID, TuningLowLatency, "NV_ENC_PRESET_P1"},
		{PresetP2GUID, TuningLowLatency, "NV_ENC_PRESET_P2"},
		{PresetP3GUID, TuningHighQuality, "NV_ENC_PRESET_P3"},
		{PresetP4GUID, TuningHighQuality, "NV_ENC_PRESET_P4"},
		{PresetP5GUID, TuningHighQuality, "NV_ENC_PRESET_P5"},
		{PresetP6GUID, TuningHighQuality, "NV_ENC_PRESET_P6"},
		{PresetP7GUID, TuningLossless, "NV_ENC_PRESET_P7"},
	}
}

// presetLadder accumulates candidates, dropping GUIDs already present.
type presetLadder []presetCandidate

func (l *presetLadder) add(c presetCandidate) {
	for _, existing := range *l {
		if existing.GUID == c.GUID {
			return
		}
	}
	*l = append(*l, c)
}

// tuningAttempts returns own followed by the fallback tunings, unique.
func tuningAttempts(own TuningInfo) []TuningInfo {
	out := []TuningInfo{own}
	for _, t := range []TuningInfo{TuningUndefined, TuningHighQuality, TuningLowLatency, TuningUltraLowLatency, TuningLossless} {
		seen := false
		for _, existing := range out {
			if existing == t {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, t)
		}
	}
	return out
}

// buildPresetLadder returns the built-in ladder extended with every preset
// GUID the runtime enumerates for codec.
func (s *Session) buildPresetLadder(codec GUID) []presetCandidate {
	ladder := presetLadder(builtinPresetLadder())
	if s.api.GetEncodePresetCount == nil || s.api.GetEncodePresetGUIDs == nil {
		return ladder
	}
	count, st := s.api.GetEncodePresetCount(s.encoder, codec)
	if !st.OK() || count == 0 {
		return ladder
	}
	guids := make([]GUID, count)
	n, st := s.api.GetEncodePresetGUIDs(s.encoder, codec, guids)
	if !st.OK() {
		return ladder
	}
	for _, g := range guids[:n] {
		ladder.add(presetCandidate{GUID: g, Tuning: TuningHighQuality, Description: PresetName(g)})
	}
	if n > 0 {
		s.logger.Info("Queried encode preset GUIDs.", zap.Uint32("count", n))
	}
	return ladder
}

// queryPreset asks for a candidate's config: the plain entry point first,
// then the tuning-aware one across tuningAttempts.
func (s *Session) queryPreset(enc EncoderHandle, codec GUID, c presetCandidate) (*EncodeConfig, Status) {
	cfg, st := s.api.GetEncodePresetConfig(enc, codec, c.GUID)
	if st.OK() || s.api.GetEncodePresetConfigEx == nil {
		return cfg, st
	}
	for _, tuning := range tuningAttempts(c.Tuning) {
		cfg, st = s.api.GetEncodePresetConfigEx(enc, codec, c.GUID, tuning)
		if st.OK() {
			return cfg, st
		}
	}
	return nil, st
}

// negotiatePreset walks the ladder and returns the first candidate the
// runtime accepts, or the last failing status. A device rejection stops
// the walk.
func (s *Session) negotiatePreset(codec GUID) (presetCandidate, *EncodeConfig, int, Status) {
	ladder := s.buildPresetLadder(codec)
	last := StatusSuccess
	for i, c := range ladder {
		cfg, st := s.queryPreset(s.encoder, codec, c)
		if st.Rejected() && s.encoder != 0 {
			s.logger.Debug("Retrying preset query without encoder handle.",
				zap.String("preset", c.name()), zap.Stringer("status", st))
			cfg, st = s.queryPreset(0, codec, c)
		}
		if st.OK() {
			return c, cfg, i, st
		}
		last = st
		s.logger.Warn("NvEncGetEncodePresetConfig failed for preset.",
			zap.String("preset", c.name()), zap.Stringer("status", st))
		if st == StatusInvalidEncoderDevice {
			break
		}
	}
	return presetCandidate{}, nil, -1, last
}
