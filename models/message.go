// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package models

import "fmt"

// Verb is the kind of change carried by a SyncMessage.
type Verb string

const (
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

// Valid reports whether v is a known verb.
func (v Verb) Valid() bool {
	return v == VerbCreate || v == VerbUpdate || v == VerbDelete
}

// Direction tells whether a change flows to or from the server.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// SyncMessage describes one externally visible change produced by a store reducer.
type SyncMessage struct {
	Verb      Verb
	Direction Direction
	Record    Record
}

// OutgoingMessage builds a message that must be delivered to the server.
func OutgoingMessage(verb Verb, r Record) SyncMessage {
	return SyncMessage{Verb: verb, Direction: Outgoing, Record: r}
}

// IncomingMessage builds a message for a change that originated on the server.
func IncomingMessage(verb Verb, r Record) SyncMessage {
	return SyncMessage{Verb: verb, Direction: Incoming, Record: r}
}

func (m SyncMessage) String() string {
	if m.Record == nil {
		return fmt.Sprintf("%s %s <nil>", m.Direction, m.Verb)
	}
	return fmt.Sprintf("%s %s %s/%s", m.Direction, m.Verb, m.Record.Kind(), m.Record.Common().ID)
}
