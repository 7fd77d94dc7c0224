package audio

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestComputeMetrics(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want domain.AudioMetrics
	}{
		{"empty", nil, domain.AudioMetrics{}},
		{"odd trailing byte ignored", []byte{0x01}, domain.AudioMetrics{}},
		{"silence", pcm(0, 0, 0, 0), domain.AudioMetrics{}},
		{"full scale negative", pcm(-32768, -32768), domain.AudioMetrics{Amplitude: 1, Peak: 1, RMS: 1}},
		{"half scale square wave", pcm(16384, -16384, 16384, -16384), domain.AudioMetrics{Amplitude: 0.5, Peak: 0.5, RMS: 0.5}},
		{"single spike", pcm(0, 0, 0, 32767), domain.AudioMetrics{Amplitude: 0.25, Peak: 1, RMS: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeMetrics(tt.in))
		})
	}
}

func TestIsLoopbackName(t *testing.T) {
	assert.True(t, isLoopbackName("Monitor of Built-in Audio Analog Stereo"))
	assert.True(t, isLoopbackName("Stereo Mix (Realtek Audio)"))
	assert.False(t, isLoopbackName("Built-in Microphone"))
}

func TestLoopbackCapture_LatestWithoutDevice(t *testing.T) {
	c := NewLoopbackCapture(Config{}, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, domain.SilentAudio(), c.Latest())
	assert.Equal(t, uint32(DefaultSampleRate), c.cfg.SampleRate)
	assert.NoError(t, c.Stop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			c.onSamples(pcm(16384, -16384))
		}
	}()
	for i := 0; i < 100; i++ {
		_ = c.Latest()
	}
	wg.Wait()
	assert.Equal(t, 0.5, c.Latest().RMS)
}

func TestNewLoopbackCapture_NilLoggerDefaultsToNop(t *testing.T) {
	c := NewLoopbackCapture(Config{}, nil)
	assert.NotNil(t, c.logger)
	assert.NotPanics(t, func() {
		c.onSamples(pcm(1000, -1000))
		_ = c.Stop()
	})
}
