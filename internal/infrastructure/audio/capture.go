// Package audio captures system output through a loopback device and turns
// each captured chunk into amplitude metrics.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"
)

const (
	DefaultSampleRate = 44100
	DefaultChunkSize  = 1024

	fullScale = 32768.0
)

// loopbackKeywords identify capture devices that mirror system output.
var loopbackKeywords = []string{"monitor", "loopback", "stereo mix", "what u hear"}

var errNoLoopbackDevice = errors.New("no loopback capture device found")

type Config struct {
	SampleRate uint32
	ChunkSize  uint32
	// Loopback restricts device selection to monitor/loopback devices.
	Loopback bool
}

// LoopbackCapture is a ports.AudioSource over miniaudio. The native callback
// publishes metrics through an atomic pointer; Latest never blocks.
type LoopbackCapture struct {
	cfg    Config
	logger *zap.SugaredLogger

	latest atomic.Pointer[domain.AudioMetrics]

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

var _ ports.AudioSource = (*LoopbackCapture)(nil)

func NewLoopbackCapture(cfg Config, log *zap.SugaredLogger) *LoopbackCapture {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	c := &LoopbackCapture{cfg: cfg, logger: log}
	silent := domain.SilentAudio()
	c.latest.Store(&silent)
	return c
}

func (c *LoopbackCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: audio context: %v", domain.ErrCollaboratorUnavailable, err)
	}

	devCfg, name, err := c.deviceConfig(mctx)
	if err != nil {
		c.freeContext(mctx)
		return fmt.Errorf("%w: %v", domain.ErrCollaboratorUnavailable, err)
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * malgo.SampleSizeInBytes(malgo.FormatS16)
			if n == 0 || len(input) < n {
				return
			}
			c.onSamples(input[:n])
		},
	})
	if err != nil {
		c.freeContext(mctx)
		return fmt.Errorf("%w: init capture device: %v", domain.ErrCollaboratorUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		c.freeContext(mctx)
		return fmt.Errorf("%w: start capture device: %v", domain.ErrCollaboratorUnavailable, err)
	}

	c.ctx, c.device = mctx, device
	c.logger.Infow("Audio capture started",
		"device", name,
		"sample_rate", c.cfg.SampleRate,
		"chunk_size", c.cfg.ChunkSize,
	)
	return nil
}

func (c *LoopbackCapture) deviceConfig(mctx *malgo.AllocatedContext) (malgo.DeviceConfig, string, error) {
	devType := malgo.Capture
	var selected *malgo.DeviceInfo

	if c.cfg.Loopback {
		devices, err := mctx.Devices(malgo.Capture)
		if err != nil {
			return malgo.DeviceConfig{}, "", fmt.Errorf("list capture devices: %w", err)
		}
		for i := range devices {
			if isLoopbackName(devices[i].Name()) {
				selected = &devices[i]
				break
			}
		}
		if selected == nil {
			// WASAPI can loop back the default render device directly
			if runtime.GOOS != "windows" {
				return malgo.DeviceConfig{}, "", errNoLoopbackDevice
			}
			devType = malgo.Loopback
		}
	}

	cfg := malgo.DefaultDeviceConfig(devType)
	cfg.SampleRate = c.cfg.SampleRate
	cfg.PeriodSizeInFrames = c.cfg.ChunkSize
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1

	name := "default"
	if selected != nil {
		cfg.Capture.DeviceID = selected.ID.Pointer()
		name = selected.Name()
	} else if devType == malgo.Loopback {
		name = "default output (loopback)"
	}
	return cfg, name, nil
}

func (c *LoopbackCapture) freeContext(mctx *malgo.AllocatedContext) {
	if err := mctx.Uninit(); err != nil {
		c.logger.Debugw("Audio context uninit failed", "error", err)
	}
	mctx.Free()
}

func (c *LoopbackCapture) onSamples(data []byte) {
	m := ComputeMetrics(data)
	c.latest.Store(&m)
}

func (c *LoopbackCapture) Latest() domain.AudioMetrics {
	return *c.latest.Load()
}

func (c *LoopbackCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil
	}

	var err error
	if stopErr := c.device.Stop(); stopErr != nil {
		err = fmt.Errorf("stop capture device: %w", stopErr)
	}
	c.device.Uninit()
	c.freeContext(c.ctx)
	c.device, c.ctx = nil, nil

	silent := domain.SilentAudio()
	c.latest.Store(&silent)
	c.logger.Infow("Audio capture stopped")
	return err
}

func isLoopbackName(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range loopbackKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// ComputeMetrics reads little-endian signed 16-bit mono samples and returns
// mean absolute amplitude, peak and RMS, each normalised to full scale.
func ComputeMetrics(pcm []byte) domain.AudioMetrics {
	n := len(pcm) / 2
	if n == 0 {
		return domain.SilentAudio()
	}

	var sumAbs, sumSq, peak float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		a := math.Abs(v)
		sumAbs += a
		sumSq += v * v
		if a > peak {
			peak = a
		}
	}

	return domain.NewAudioMetrics(
		sumAbs/float64(n)/fullScale,
		peak/fullScale,
		math.Sqrt(sumSq/float64(n))/fullScale,
	)
}
