package version

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProtocolIncompatible blocks a session whose protocol differs from the server's.
	ErrProtocolIncompatible = errors.New("version: protocol incompatible")
	// ErrClientVersionTooOld blocks a client below the required minimum version.
	ErrClientVersionTooOld = errors.New("version: client version too old")
)

// IncompatibleError names the versions involved so clients can show an actionable message.
type IncompatibleError struct {
	kind    error
	message string
}

func (e *IncompatibleError) Error() string {
	return e.message
}

func (e *IncompatibleError) Unwrap() error {
	return e.kind
}

// GateConfig describes the versions a server enforces.
type GateConfig struct {
	ServerVersion    string
	ProtocolVersion  int
	MinClientVersion string
}

// Gate is the server-side compatibility check run before every session admission.
type Gate struct {
	serverVersion    Version
	protocolVersion  int
	minClientVersion Version
}

// NewGate builds a gate. A zero protocol version selects ProtocolVersion.
func NewGate(cfg GateConfig) *Gate {
	protocol := cfg.ProtocolVersion
	if protocol == 0 {
		protocol = ProtocolVersion
	}
	return &Gate{
		serverVersion:    ParseVersion(strings.TrimSpace(cfg.ServerVersion)),
		protocolVersion:  protocol,
		minClientVersion: ParseVersion(strings.TrimSpace(cfg.MinClientVersion)),
	}
}

// HealthInfo is the payload of the health endpoint.
type HealthInfo struct {
	Version          string `json:"version"`
	ProtocolVersion  int    `json:"protocolVersion"`
	MinClientVersion string `json:"minClientVersion"`
}

func (g *Gate) HealthInfo() HealthInfo {
	return HealthInfo{
		Version:          g.serverVersion.String(),
		ProtocolVersion:  g.protocolVersion,
		MinClientVersion: g.minClientVersion.String(),
	}
}

func (g *Gate) RequireProtocol(clientProtocol int) error {
	if CheckProtocol(g.protocolVersion, clientProtocol) {
		return nil
	}
	message := fmt.Sprintf("protocol mismatch: server speaks protocol %d, client speaks protocol %d; update the client",
		g.protocolVersion, clientProtocol)
	return &IncompatibleError{kind: ErrProtocolIncompatible, message: message}
}

func (g *Gate) RequireClientVersion(clientVersion string) error {
	if ParseVersion(clientVersion).Compare(g.minClientVersion) >= 0 {
		return nil
	}
	message := fmt.Sprintf("client version %s is older than the required minimum %s",
		ParseVersion(clientVersion), g.minClientVersion)
	return &IncompatibleError{kind: ErrClientVersionTooOld, message: message}
}

// RequireProject blocks clients older than the version that last wrote the project.
func (g *Gate) RequireProject(clientVersion, projectMinClientVersion string) error {
	if CheckProject(clientVersion, projectMinClientVersion) {
		return nil
	}
	message := fmt.Sprintf("project requires client version %s or newer, client is %s",
		ParseVersion(projectMinClientVersion), ParseVersion(clientVersion))
	return &IncompatibleError{kind: ErrClientVersionTooOld, message: message}
}

// Admit runs the protocol check, then the minimum version check.
func (g *Gate) Admit(clientProtocol int, clientVersion string) error {
	if err := g.RequireProtocol(clientProtocol); err != nil {
		return err
	}
	return g.RequireClientVersion(clientVersion)
}
