// Package features is the protected store for a project's feature list: the ordered
// set of feature records that tracks planning progress.
//
// The only mutation is a single-feature status update. Every update runs under a
// per-project lock, refreshes a sibling backup first, restores from that backup when
// the primary list was found empty, and refuses to write an empty list.
package features

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Status is a feature's progress state.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusInProgress Status = "in_progress"
	StatusVerified   Status = "verified"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusVerified:
		return true
	}
	return false
}

// Statuses lists the valid statuses in workflow order.
func Statuses() []Status {
	return []Status{StatusBacklog, StatusInProgress, StatusVerified}
}

var (
	// ErrCorruptState means the stored list is not an ordered sequence of features.
	ErrCorruptState = errors.New("corrupt feature list")
	// ErrFeatureNotFound means no feature has the requested id.
	ErrFeatureNotFound = errors.New("feature not found")
	// ErrEmptyWriteRefused is returned when a write would leave the list empty.
	ErrEmptyWriteRefused = errors.New("CRITICAL: refusing empty write")
	// ErrInvalidStatus is returned for a status outside Statuses().
	ErrInvalidStatus = errors.New("invalid feature status")
	// ErrInvalidFeatureID is returned for an empty feature id.
	ErrInvalidFeatureID = errors.New("feature id is required")
	// ErrLocked means the cross-process lock could not be taken in time.
	ErrLocked = errors.New("feature list is locked by another process")
)

// Feature is one record of the list. Fields other than featureId, status and
// summary are kept verbatim so a status update never drops planning data.
type Feature struct {
	ID      string
	Status  Status
	Summary string

	extra map[string]json.RawMessage
}

var knownKeys = map[string]bool{"featureId": true, "status": true, "summary": true}

func (f *Feature) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("feature must be an object")
	}

	idRaw, ok := raw["featureId"]
	if !ok {
		return errors.New("missing featureId")
	}
	if err := json.Unmarshal(idRaw, &f.ID); err != nil {
		return fmt.Errorf("featureId: %w", err)
	}

	var status string
	if statusRaw, ok := raw["status"]; ok {
		if err := json.Unmarshal(statusRaw, &status); err != nil {
			return fmt.Errorf("status: %w", err)
		}
	}
	f.Status = Status(status)

	f.Summary = ""
	if summaryRaw, ok := raw["summary"]; ok && !bytes.Equal(bytes.TrimSpace(summaryRaw), []byte("null")) {
		if err := json.Unmarshal(summaryRaw, &f.Summary); err != nil {
			return fmt.Errorf("summary: %w", err)
		}
	}

	f.extra = nil
	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if f.extra == nil {
			f.extra = make(map[string]json.RawMessage)
		}
		f.extra[k] = v
	}
	return nil
}

func (f Feature) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField := func(key string, value []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
	}

	id, err := json.Marshal(f.ID)
	if err != nil {
		return nil, err
	}
	writeField("featureId", id)
	status, _ := json.Marshal(string(f.Status))
	writeField("status", status)
	if f.Summary != "" {
		summary, _ := json.Marshal(f.Summary)
		writeField("summary", summary)
	}

	keys := make([]string, 0, len(f.extra))
	for k := range f.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k, f.extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Extra returns a preserved field that is not part of the status contract.
func (f *Feature) Extra(key string) (json.RawMessage, bool) {
	v, ok := f.extra[key]
	return v, ok
}

// Parse decodes and validates a serialized feature list.
// Anything other than a JSON array of well-formed, uniquely-identified features
// is reported as ErrCorruptState.
func Parse(data []byte) ([]Feature, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrCorruptState)
	}

	var list []Feature
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := Validate(list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []Feature{}
	}
	return list, nil
}

// Validate checks shape invariants of an in-memory list.
func Validate(list []Feature) error {
	seen := make(map[string]bool, len(list))
	for i := range list {
		f := &list[i]
		if f.ID == "" {
			return fmt.Errorf("%w: feature %d has an empty featureId", ErrCorruptState, i)
		}
		if !f.Status.Valid() {
			return fmt.Errorf("%w: feature %q has invalid status %q", ErrCorruptState, f.ID, f.Status)
		}
		if seen[f.ID] {
			return fmt.Errorf("%w: duplicate featureId %q", ErrCorruptState, f.ID)
		}
		seen[f.ID] = true
	}
	return nil
}

// Encode serializes a list in the on-disk format.
func Encode(list []Feature) ([]byte, error) {
	if list == nil {
		list = []Feature{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
