// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

type ClientID string

// NewClientID issues a fresh identifier for one control connection.
// Identifiers are never recycled.
func NewClientID() ClientID { return ClientID(uuid.NewString()) }

type ClientStatus string

const (
	StatusOnline     ClientStatus = "online"
	StatusRingingOut ClientStatus = "ringing-out"
	StatusRingingIn  ClientStatus = "ringing-in"
	StatusInCall     ClientStatus = "in-call"
	StatusOffline    ClientStatus = "offline"
)

// Reachable reports whether relayed text should be delivered to a client in this status.
func (s ClientStatus) Reachable() bool {
	return s == StatusOnline || s == StatusInCall
}

// Client is a read-only view of a registered client (no transport fields).
type Client struct {
	ID            ClientID     `json:"client_id"`
	Name          string       `json:"name"`
	Status        ClientStatus `json:"status"`
	MediaEndpoint string       `json:"media_endpoint,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastActivity  time.Time    `json:"last_activity"`
}

// NormalizeName trims and validates a client-supplied display name.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrNameTooLong
	}
	return name, nil
}
