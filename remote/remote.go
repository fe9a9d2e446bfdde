// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the contract with the sync server and its error taxonomy.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-timesync/models"
)

// Client is the server API used by the sync managers.
type Client interface {
	// Create stores a new record and returns the server version carrying its remote id.
	Create(ctx context.Context, r models.Record) (models.Record, error)
	// Update replaces the server version of a record that already has a remote id.
	Update(ctx context.Context, r models.Record) (models.Record, error)
	// Delete removes a record that already has a remote id.
	Delete(ctx context.Context, r models.Record) error
	// List returns every record changed after since, looking back at most windowDays.
	List(ctx context.Context, since time.Time, windowDays int) ([]models.Record, error)
}

// Changes is one downloaded batch together with the server clock at the time
// the batch was cut.
type Changes struct {
	Records    []models.Record
	ServerTime time.Time
}

// ChangeFeed is implemented by clients that can report the server clock with a
// change list. The server time is the safe next lower bound; the device clock is not.
type ChangeFeed interface {
	ListChanges(ctx context.Context, since time.Time, windowDays int) (Changes, error)
}

// Class groups remote failures by how the sync managers react to them.
type Class string

const (
	ClassNetwork  Class = "network"
	ClassAuth     Class = "auth"
	ClassServer   Class = "server"
	ClassRejected Class = "rejected"
)

// Error is a classified remote failure.
type Error struct {
	Class      Class
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s failed (%s, status %d): %v", e.Op, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the operation may succeed if attempted again unchanged.
func (e *Error) Retryable() bool { return e.Class != ClassRejected }

// NetworkError wraps a transport failure.
func NetworkError(op string, err error) *Error {
	return &Error{Class: ClassNetwork, Op: op, Err: err}
}

// StatusError classifies a non-success HTTP status.
func StatusError(op string, status int, err error) *Error {
	return &Error{Class: ClassifyStatus(status), StatusCode: status, Op: op, Err: err}
}

// ClassifyStatus maps an HTTP status code to a failure class.
func ClassifyStatus(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 408 || status == 429 || status >= 500:
		return ClassServer
	case status >= 400:
		return ClassRejected
	default:
		return ClassServer
	}
}

// ClassOf returns the failure class of err. Unclassified errors count as network failures.
func ClassOf(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassNetwork
}

// IsRetryable reports whether err leaves the change eligible for another attempt.
// Only explicit server rejections are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

// IsNotFound reports whether the server answered 404.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode == 404
}

// WireRecord is one record in a change feed.
type WireRecord struct {
	Kind   models.Kind     `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// ChangesResponse is the body of GET /v1/changes.
type ChangesResponse struct {
	Changes    []WireRecord `json:"changes"`
	ServerTime time.Time    `json:"server_time"`
}

// ErrorResponse is the body of every non-success server answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// EncodeChanges converts records to their wire form.
func EncodeChanges(records []models.Record) ([]WireRecord, error) {
	out := make([]WireRecord, 0, len(records))
	for _, r := range records {
		body, err := models.EncodeRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, WireRecord{Kind: r.Kind(), Record: body})
	}
	return out, nil
}

// DecodeChanges converts wire records back to typed records.
func DecodeChanges(changes []WireRecord) ([]models.Record, error) {
	out := make([]models.Record, 0, len(changes))
	for _, c := range changes {
		r, err := models.DecodeRecord(c.Kind, c.Record)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
