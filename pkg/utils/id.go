package utils

import (
	"github.com/google/uuid"
)

// GenerateClientID returns the id assigned to a websocket client on connect.
func GenerateClientID() string {
	return "client_" + uuid.NewString()
}

// GenerateRequestID returns a random id for one inbound command.
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
