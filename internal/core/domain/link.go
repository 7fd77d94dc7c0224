package domain

import (
	"encoding/base64"
	"unicode/utf8"
)

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkScanning
	LinkConnecting
	LinkConnected
	LinkDisconnecting
	LinkReconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkScanning:
		return "scanning"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	case LinkReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// LinkIdentity describes the peer behind a link. Address and DisplayName
// survive a Reconnecting phase; the characteristics do not.
type LinkIdentity struct {
	Address              string
	DisplayName          string
	WriteCharacteristic  string
	NotifyCharacteristic string
}

// LinkStatus is the view of a link reported to clients.
type LinkStatus struct {
	Connected bool    `json:"connected"`
	Name      string  `json:"name"`
	Address   *string `json:"address"`
}

func DisconnectedStatus() LinkStatus {
	return LinkStatus{Name: UnknownText}
}

type PeerDescriptor struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int16  `json:"-"`
}

// Characteristic is a GATT characteristic as reported by the transport. ID is
// transport specific (a D-Bus object path for BlueZ).
type Characteristic struct {
	ID    string
	UUID  string
	Flags []string
}

func (c Characteristic) CanWrite() bool {
	return c.hasFlag("write") || c.hasFlag("write-without-response")
}

func (c Characteristic) CanNotify() bool {
	return c.hasFlag("notify") || c.hasFlag("indicate")
}

func (c Characteristic) hasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

const (
	EventStatusResult = "ble-status-result"
	EventPeerNotify   = "ble-notify"
)

// StatusMessage is the ble-status-result envelope used both for replies and
// for the unsolicited heartbeat.
type StatusMessage struct {
	Event string `json:"event"`
	LinkStatus
}

func NewStatusMessage(s LinkStatus) StatusMessage {
	return StatusMessage{Event: EventStatusResult, LinkStatus: s}
}

// PeerNotifyMessage carries data the peer pushed on its notify characteristic.
// Data is the text itself when the bytes are valid UTF-8, otherwise their
// standard base64 form with Encoding set to "base64".
type PeerNotifyMessage struct {
	Event    string `json:"event"`
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"`
}

const PeerDataBase64 = "base64"

func NewPeerNotifyMessage(data []byte) PeerNotifyMessage {
	if !utf8.Valid(data) {
		return PeerNotifyMessage{
			Event:    EventPeerNotify,
			Data:     base64.StdEncoding.EncodeToString(data),
			Encoding: PeerDataBase64,
		}
	}
	return PeerNotifyMessage{Event: EventPeerNotify, Data: string(data)}
}
