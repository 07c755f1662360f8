// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types seen on relay connections.
const (
	FrameEvent  = "EVENT"
	FrameReq    = "REQ"
	FrameClose  = "CLOSE"
	FrameOK     = "OK"
	FrameNotice = "NOTICE"
	FrameEOSE   = "EOSE"
	FrameClosed = "CLOSED"
)

var errMalformedFrame = errors.New("wire: malformed frame")

// Filter describes the events a subscription requests from a relay.
// Tags maps a single-letter tag name to accepted values and is
// serialized as "#<name>".
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   int64
	Until   int64
	Limit   int
}

// MarshalJSON serializes the filter as a relay filter object.
func (f *Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Until > 0 {
		m["until"] = f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// ReqFrame builds a ["REQ", subID, filters...] frame.
func ReqFrame(subID string, filters ...*Filter) ([]byte, error) {
	arr := make([]interface{}, 0, 2+len(filters))
	arr = append(arr, FrameReq, subID)
	for _, f := range filters {
		arr = append(arr, f)
	}
	return marshalFrame(arr)
}

// EventFrame builds an ["EVENT", event] frame.
func EventFrame(ev *Event) ([]byte, error) {
	return marshalFrame([]interface{}{FrameEvent, ev})
}

// CloseFrame builds a ["CLOSE", subID] frame.
func CloseFrame(subID string) ([]byte, error) {
	return marshalFrame([]interface{}{FrameClose, subID})
}

func marshalFrame(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Frame is a parsed inbound relay frame.  Exactly the fields implied
// by Type are populated.
type Frame struct {
	Type string

	// Sub is the subscription identifier for EVENT, EOSE and CLOSED
	// frames.
	Sub string

	// Event is populated for EVENT frames.
	Event *Event

	// EventID, Accepted and Reason are populated for OK frames.
	EventID  string
	Accepted bool
	Reason   string

	// Notice is populated for NOTICE and CLOSED frames.
	Notice string
}

// ParseFrame parses a raw inbound relay frame.  Missing optional tag
// arrays on events are tolerated as empty.
func ParseFrame(data []byte) (*Frame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("wire: frame is not a JSON array: %v", err)
	}
	if len(arr) < 1 {
		return nil, errMalformedFrame
	}
	var frameType string
	if err := json.Unmarshal(arr[0], &frameType); err != nil {
		return nil, errMalformedFrame
	}

	f := &Frame{Type: frameType}
	switch frameType {
	case FrameEvent:
		if len(arr) < 3 {
			return nil, errMalformedFrame
		}
		if err := json.Unmarshal(arr[1], &f.Sub); err != nil {
			return nil, errMalformedFrame
		}
		ev := new(Event)
		if err := json.Unmarshal(arr[2], ev); err != nil {
			return nil, fmt.Errorf("wire: malformed event: %v", err)
		}
		if ev.Tags == nil {
			ev.Tags = [][]string{}
		}
		f.Event = ev
	case FrameOK:
		if len(arr) < 3 {
			return nil, errMalformedFrame
		}
		if err := json.Unmarshal(arr[1], &f.EventID); err != nil {
			return nil, errMalformedFrame
		}
		if err := json.Unmarshal(arr[2], &f.Accepted); err != nil {
			return nil, errMalformedFrame
		}
		if len(arr) > 3 {
			// Reason is optional and best effort.
			_ = json.Unmarshal(arr[3], &f.Reason)
		}
	case FrameNotice:
		if len(arr) < 2 {
			return nil, errMalformedFrame
		}
		if err := json.Unmarshal(arr[1], &f.Notice); err != nil {
			return nil, errMalformedFrame
		}
	case FrameEOSE:
		if len(arr) < 2 {
			return nil, errMalformedFrame
		}
		if err := json.Unmarshal(arr[1], &f.Sub); err != nil {
			return nil, errMalformedFrame
		}
	case FrameClosed:
		if len(arr) < 2 {
			return nil, errMalformedFrame
		}
		if err := json.Unmarshal(arr[1], &f.Sub); err != nil {
			return nil, errMalformedFrame
		}
		if len(arr) > 2 {
			_ = json.Unmarshal(arr[2], &f.Notice)
		}
	default:
		return nil, fmt.Errorf("wire: unknown frame type %q", frameType)
	}
	return f, nil
}
