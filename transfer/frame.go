// Package transfer moves one full snapshot of signage records over an open channel.
//
// A transfer is a single snapshot frame from the sender, optionally answered by an ack frame:
//
//	{"type":"snapshot","records":[...]}
//	{"type":"ack","count":N}
//
// Frames are JSON by default. CBOR frames carry the same fields and are told apart from JSON
// by their first byte, so a receiver accepts either.
package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	FrameSnapshot = "snapshot"
	FrameAck      = "ack"
)

// Snapshot is the ordered list of records being transferred. Records are opaque JSON.
type Snapshot []json.RawMessage

type Codec int

const (
	CodecJSON Codec = iota
	CodecCBOR
)

func (c Codec) String() string {
	switch c {
	case CodecJSON:
		return "json"
	case CodecCBOR:
		return "cbor"
	}
	return fmt.Sprintf("Codec(%d)", int(c))
}

// ParseCodec maps a codec name ("json" or "cbor") to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return CodecJSON, nil
	case "cbor":
		return CodecCBOR, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// Frame is a decoded transfer frame. Records is set for snapshot frames, Count for acks.
type Frame struct {
	Type    string
	Records Snapshot
	Count   int
	// Codec the frame was encoded with
	Codec Codec
}

// MalformedPayloadError is returned when a received frame is not a well-formed transfer frame.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Reason
}

func malformed(format string, args ...interface{}) *MalformedPayloadError {
	return &MalformedPayloadError{Reason: fmt.Sprintf(format, args...)}
}

var cborDecMode cbor.DecMode

func init() {
	var err error
	cborDecMode, err = cbor.DecOptions{
		// nested records must come out as JSON-marshalable maps
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeSnapshot builds a snapshot frame. Every record must be valid JSON.
func EncodeSnapshot(codec Codec, snapshot Snapshot) ([]byte, error) {
	for i, rec := range snapshot {
		if !gjson.ValidBytes(rec) {
			return nil, fmt.Errorf("record %d is not valid JSON", i)
		}
	}
	switch codec {
	case CodecJSON:
		frame, err := sjson.SetBytes([]byte(`{}`), "type", FrameSnapshot)
		if err != nil {
			return nil, err
		}
		records := []byte(`[]`)
		for _, rec := range snapshot {
			records, err = sjson.SetRawBytes(records, "-1", rec)
			if err != nil {
				return nil, fmt.Errorf("failed to append record: %w", err)
			}
		}
		return sjson.SetRawBytes(frame, "records", records)
	case CodecCBOR:
		records := make([]interface{}, len(snapshot))
		for i, rec := range snapshot {
			if err := json.Unmarshal(rec, &records[i]); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
		}
		return cbor.Marshal(map[string]interface{}{
			"type":    FrameSnapshot,
			"records": records,
		})
	}
	return nil, fmt.Errorf("unknown codec %s", codec)
}

// EncodeAck builds an ack frame for a snapshot of count records.
func EncodeAck(codec Codec, count int) ([]byte, error) {
	switch codec {
	case CodecJSON:
		frame, err := sjson.SetBytes([]byte(`{}`), "type", FrameAck)
		if err != nil {
			return nil, err
		}
		return sjson.SetBytes(frame, "count", count)
	case CodecCBOR:
		return cbor.Marshal(map[string]interface{}{
			"type":  FrameAck,
			"count": count,
		})
	}
	return nil, fmt.Errorf("unknown codec %s", codec)
}

// Decode parses a frame of either codec. Anything which is not a snapshot frame with a records
// array or an ack frame with a numeric count is a *MalformedPayloadError.
func Decode(data []byte) (*Frame, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, malformed("empty frame")
	}
	switch {
	case trimmed[0] == '{':
		return decodeJSON(trimmed)
	case trimmed[0]>>5 == 5: // CBOR major type 5: map
		return decodeCBOR(data)
	}
	return nil, malformed("frame is not an object")
}

func decodeJSON(data []byte) (*Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, malformed("invalid JSON")
	}
	res := gjson.ParseBytes(data)
	frame := &Frame{
		Type:  res.Get("type").Str,
		Codec: CodecJSON,
	}
	switch frame.Type {
	case FrameSnapshot:
		records := res.Get("records")
		if !records.IsArray() {
			return nil, malformed("records is not an array")
		}
		frame.Records = Snapshot{}
		records.ForEach(func(_, rec gjson.Result) bool {
			frame.Records = append(frame.Records, json.RawMessage(rec.Raw))
			return true
		})
	case FrameAck:
		count := res.Get("count")
		if count.Type != gjson.Number {
			return nil, malformed("count is not a number")
		}
		frame.Count = int(count.Int())
	default:
		return nil, malformed("unknown frame type %q", frame.Type)
	}
	return frame, nil
}

func decodeCBOR(data []byte) (*Frame, error) {
	var m map[string]interface{}
	if err := cborDecMode.Unmarshal(data, &m); err != nil {
		return nil, malformed("invalid CBOR: %s", err)
	}
	frameType, _ := m["type"].(string)
	frame := &Frame{
		Type:  frameType,
		Codec: CodecCBOR,
	}
	switch frameType {
	case FrameSnapshot:
		records, ok := m["records"].([]interface{})
		if !ok {
			return nil, malformed("records is not an array")
		}
		frame.Records = make(Snapshot, 0, len(records))
		for i, rec := range records {
			raw, err := json.Marshal(rec)
			if err != nil {
				return nil, malformed("record %d cannot be represented as JSON: %s", i, err)
			}
			frame.Records = append(frame.Records, raw)
		}
	case FrameAck:
		switch count := m["count"].(type) {
		case uint64:
			frame.Count = int(count)
		case int64:
			frame.Count = int(count)
		default:
			return nil, malformed("count is not a number")
		}
	default:
		return nil, malformed("unknown frame type %q", frameType)
	}
	return frame, nil
}
