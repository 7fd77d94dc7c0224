package domain

import (
	"encoding/json"
	"fmt"
)

type EventKind string

const (
	KindMedia        EventKind = "media"
	KindAudio        EventKind = "audio"
	KindNotification EventKind = "notification"
	KindSystem       EventKind = "system"
)

// CombinedEvent is the tagged union pushed to every sink. Kind selects which
// of the remaining fields are meaningful.
type CombinedEvent struct {
	Kind         EventKind
	Media        MediaSnapshot
	Audio        AudioMetrics
	Notification Notification
	SystemKind   string
	Message      string
}

func NewMediaEvent(media MediaSnapshot, audio AudioMetrics) CombinedEvent {
	return CombinedEvent{Kind: KindMedia, Media: media, Audio: audio}
}

func NewAudioEvent(audio AudioMetrics) CombinedEvent {
	return CombinedEvent{Kind: KindAudio, Audio: audio}
}

func NewNotificationEvent(n Notification) CombinedEvent {
	return CombinedEvent{Kind: KindNotification, Notification: n}
}

func NewSystemEvent(kind, message string) CombinedEvent {
	return CombinedEvent{Kind: KindSystem, SystemKind: kind, Message: message}
}

type mediaWire struct {
	Type           EventKind    `json:"type"`
	Title          string       `json:"title"`
	Artist         string       `json:"artist"`
	Status         string       `json:"status"`
	IsPlaying      bool         `json:"is_playing"`
	AudioAmplitude AudioMetrics `json:"audio_amplitude"`
}

type audioWire struct {
	Type           EventKind    `json:"type"`
	AudioAmplitude AudioMetrics `json:"audio_amplitude"`
}

type notificationWire struct {
	Type  EventKind `json:"type"`
	App   string    `json:"app"`
	Time  string    `json:"time"`
	Texts []string  `json:"texts"`
}

type systemWire struct {
	Type    EventKind `json:"type"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Encode produces the compact wire form shared by websocket clients and the
// BLE sink.
func (e CombinedEvent) Encode() ([]byte, error) {
	var v any
	switch e.Kind {
	case KindMedia:
		v = mediaWire{
			Type:           KindMedia,
			Title:          e.Media.Title,
			Artist:         e.Media.Artist,
			Status:         e.Media.Status.String(),
			IsPlaying:      e.Media.IsPlaying,
			AudioAmplitude: NewAudioMetrics(e.Audio.Amplitude, e.Audio.Peak, e.Audio.RMS),
		}
	case KindAudio:
		v = audioWire{
			Type:           KindAudio,
			AudioAmplitude: NewAudioMetrics(e.Audio.Amplitude, e.Audio.Peak, e.Audio.RMS),
		}
	case KindNotification:
		texts := e.Notification.Texts
		if texts == nil {
			texts = []string{}
		}
		v = notificationWire{
			Type:  KindNotification,
			App:   e.Notification.App,
			Time:  e.Notification.Time,
			Texts: texts,
		}
	case KindSystem:
		v = systemWire{Type: KindSystem, Kind: e.SystemKind, Message: e.Message}
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return json.Marshal(v)
}

// MarshalJSON lets a CombinedEvent be handed to any JSON writer directly.
func (e CombinedEvent) MarshalJSON() ([]byte, error) {
	return e.Encode()
}

func DecodeCombinedEvent(data []byte) (CombinedEvent, error) {
	var head struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return CombinedEvent{}, fmt.Errorf("invalid event envelope: %w", err)
	}

	switch head.Type {
	case KindMedia:
		var w mediaWire
		if err := json.Unmarshal(data, &w); err != nil {
			return CombinedEvent{}, fmt.Errorf("invalid media event: %w", err)
		}
		media := NewMediaSnapshot(w.Title, w.Artist, "", ParseMediaStatus(w.Status), "")
		media.IsPlaying = w.IsPlaying
		return NewMediaEvent(media, w.AudioAmplitude), nil
	case KindAudio:
		var w audioWire
		if err := json.Unmarshal(data, &w); err != nil {
			return CombinedEvent{}, fmt.Errorf("invalid audio event: %w", err)
		}
		return NewAudioEvent(w.AudioAmplitude), nil
	case KindNotification:
		var w notificationWire
		if err := json.Unmarshal(data, &w); err != nil {
			return CombinedEvent{}, fmt.Errorf("invalid notification event: %w", err)
		}
		return NewNotificationEvent(Notification{App: w.App, Time: w.Time, Texts: w.Texts}), nil
	case KindSystem:
		var w systemWire
		if err := json.Unmarshal(data, &w); err != nil {
			return CombinedEvent{}, fmt.Errorf("invalid system event: %w", err)
		}
		return NewSystemEvent(w.Kind, w.Message), nil
	default:
		return CombinedEvent{}, fmt.Errorf("unknown event type %q", head.Type)
	}
}
