package domain

import "errors"

var (
	ErrScan                    = errors.New("scan failed")
	ErrConnect                 = errors.New("connect failed")
	ErrNoCharacteristic        = errors.New("no usable characteristic")
	ErrNotConnected            = errors.New("link not connected")
	ErrLinkClosed              = errors.New("link closed")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrTransportSend           = errors.New("transport send failed")
	ErrHandler                 = errors.New("event handler failed")
	ErrClientNotFound          = errors.New("client not registered")
	ErrLockHeld                = errors.New("another instance is running")
)
