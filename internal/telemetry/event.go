package telemetry

import (
	"encoding/json"
	"errors"
)

// ServerUID is the reserved origin marker the dedicated server stamps on
// chat lines it generates itself. Events carrying it never belong to a
// player and are ignored before any identity lookup.
const ServerUID = "0"

var errMissingLogin = errors.New("telemetry event missing login")

// ConnectEvent is raised when a player joins the server. It carries only
// the raw login; identity resolution happens downstream.
type ConnectEvent struct {
	Login    string `json:"login"`
	Nickname string `json:"nickname,omitempty"`
}

// DisconnectEvent is raised when a player leaves the server.
type DisconnectEvent struct {
	Login string `json:"login"`
}

// ChatEvent is raised for every chat line, including server-originated
// ones (PlayerUID == ServerUID).
type ChatEvent struct {
	Login     string `json:"login"`
	PlayerUID string `json:"player_uid"`
	Text      string `json:"text"`
}

// DecodeConnect parses a connect event payload and validates it carries a
// login.
func DecodeConnect(data []byte) (ConnectEvent, error) {
	var evt ConnectEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ConnectEvent{}, err
	}
	if evt.Login == "" {
		return ConnectEvent{}, errMissingLogin
	}
	return evt, nil
}

// DecodeDisconnect parses a disconnect event payload.
func DecodeDisconnect(data []byte) (DisconnectEvent, error) {
	var evt DisconnectEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return DisconnectEvent{}, err
	}
	if evt.Login == "" {
		return DisconnectEvent{}, errMissingLogin
	}
	return evt, nil
}

// DecodeChat parses a chat event payload. Server-originated lines have no
// login, so only the structural shape is validated here.
func DecodeChat(data []byte) (ChatEvent, error) {
	var evt ChatEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ChatEvent{}, err
	}
	if evt.Login == "" && evt.PlayerUID != ServerUID {
		return ChatEvent{}, errMissingLogin
	}
	return evt, nil
}
