package session

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/creack/pty"

	"miel/internal/pool"
)

// AttachKind tags which of Attachment's variants is populated. Per
// spec.md §9's guidance, this is a tagged variant rather than an
// interface: attach has exactly two concrete shapes and nothing else
// will ever implement a third.
type AttachKind int

const (
	AttachPlain AttachKind = iota
	AttachPTY
)

// Attachment is the result of dialing a container's internal endpoint,
// optionally paired with a local PTY capture surface for services that
// expose an interactive sub-stream (spec.md §4.3).
type Attachment struct {
	Kind      AttachKind
	Container net.Conn

	// Populated only when Kind == AttachPTY. PTYMaster additionally
	// receives a copy of every byte the pump moves in either direction,
	// giving downstream tooling a terminal-aware capture surface distinct
	// from the raw wire transcript; PTYSlave is kept open only so the
	// master end stays valid (nothing reads it directly today).
	PTYMaster *os.File
	PTYSlave  *os.File
}

// Close releases whatever the attachment opened.
func (a *Attachment) Close() {
	if a.Container != nil {
		_ = a.Container.Close()
	}
	if a.PTYMaster != nil {
		_ = a.PTYMaster.Close()
	}
	if a.PTYSlave != nil {
		_ = a.PTYSlave.Close()
	}
}

const attachDialTimeout = 5 * time.Second

// attach dials a container's internal endpoint and, for services with
// PTY capture enabled, additionally allocates a local PTY pair used
// purely as a capture surface.
func attach(h *pool.ContainerHandle, wantPTY bool) (*Attachment, error) {
	if h.AttachAddr == nil {
		return nil, fmt.Errorf("session: container %s has no attach address", h.MachineID)
	}

	conn, err := net.DialTimeout("tcp", h.AttachAddr.String(), attachDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: dial container %s at %s: %w", h.MachineID, h.AttachAddr, err)
	}

	if !wantPTY {
		return &Attachment{Kind: AttachPlain, Container: conn}, nil
	}

	master, slave, err := pty.Open()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: open pty for %s: %w", h.MachineID, err)
	}
	return &Attachment{Kind: AttachPTY, Container: conn, PTYMaster: master, PTYSlave: slave}, nil
}
