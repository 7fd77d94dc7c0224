package services

import (
	"math"
	"sync"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
)

const (
	DefaultAmplitudeThreshold = 0.01
	DefaultRMSDeltaThreshold  = 0.05
)

type Thresholds struct {
	Amplitude float64
	RMSDelta  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Amplitude: DefaultAmplitudeThreshold, RMSDelta: DefaultRMSDeltaThreshold}
}

// FilterState is what the filter remembers about the last sent update.
type FilterState struct {
	First     bool
	LastTuple domain.MediaTuple
	LastRMS   float64
}

func InitialFilterState() FilterState {
	return FilterState{First: true}
}

type FilterInput struct {
	Media domain.MediaTuple
	Audio domain.AudioMetrics
}

// Decide reports whether an update should be sent and returns the state to
// keep for the next tick. Rules, in order: first tick; media tuple changed;
// audible and rms moved by more than the delta; otherwise suppress.
// The media tuple is only recorded by the first two rules.
func Decide(state FilterState, in FilterInput, th Thresholds) (bool, FilterState) {
	switch {
	case state.First, in.Media != state.LastTuple:
		return true, FilterState{LastTuple: in.Media, LastRMS: in.Audio.RMS}
	case in.Audio.Amplitude > th.Amplitude && math.Abs(in.Audio.RMS-state.LastRMS) > th.RMSDelta:
		state.LastRMS = in.Audio.RMS
		return true, state
	default:
		return false, state
	}
}

// ChangeFilter holds FilterState between orchestration ticks.
type ChangeFilter struct {
	thresholds Thresholds

	mu    sync.Mutex
	state FilterState
}

func NewChangeFilter(th Thresholds) *ChangeFilter {
	return &ChangeFilter{thresholds: th, state: InitialFilterState()}
}

func (f *ChangeFilter) ShouldSend(media domain.MediaSnapshot, audio domain.AudioMetrics) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	send, next := Decide(f.state, FilterInput{Media: media.Tuple(), Audio: audio}, f.thresholds)
	f.state = next
	return send
}

// Reset makes the next decision behave like a first tick.
func (f *ChangeFilter) Reset() {
	f.mu.Lock()
	f.state = InitialFilterState()
	f.mu.Unlock()
}
