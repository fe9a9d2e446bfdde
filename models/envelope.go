// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"encoding/json"
	"fmt"
)

// Envelope is the durable form of one outbound change: verb, record kind and body.
type Envelope struct {
	Verb Verb            `json:"verb"`
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// EncodeRecord serializes a record body.
func EncodeRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s record: %w", r.Kind(), err)
	}
	return data, nil
}

// DecodeRecord restores a record of the given kind from its serialized body.
func DecodeRecord(kind Kind, body []byte) (Record, error) {
	r, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s record: %w", kind, err)
	}
	return r, nil
}

// EncodeEnvelope serializes a verb and record into a queue payload.
func EncodeEnvelope(verb Verb, r Record) ([]byte, error) {
	if !verb.Valid() {
		return nil, fmt.Errorf("invalid verb %q", verb)
	}
	body, err := EncodeRecord(r)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Envelope{Verb: verb, Kind: r.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a queue payload produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (Verb, Record, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if !env.Verb.Valid() {
		return "", nil, fmt.Errorf("invalid verb %q in envelope", env.Verb)
	}
	r, err := DecodeRecord(env.Kind, env.Body)
	if err != nil {
		return "", nil, err
	}
	return env.Verb, r, nil
}
