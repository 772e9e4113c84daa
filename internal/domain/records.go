package domain

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Field names shared by the room documents.
const (
	FieldRoomID        = "roomId"
	FieldCreatedAt     = "createdAt"
	FieldOfferSDP      = "offerSdp"
	FieldAnswerSDP     = "answerSdp"
	FieldICECandidates = "iceCandidates"
)

// Document is the field map stored at one path.
type Document map[string]any

// Snapshot is the full state of one document as delivered by a subscription.
// A snapshot with Err set is the last one a subscription delivers: the store
// can no longer report changes to the path.
type Snapshot struct {
	Path   string
	Exists bool
	Data   Document
	Err    error
}

// Room is the top-level document; its existence means the host is alive.
type Room struct {
	ID        string
	CreatedAt int64
}

// Document returns the fields written at RoomPath.
func (r Room) Document() Document {
	return Document{FieldRoomID: r.ID, FieldCreatedAt: r.CreatedAt}
}

// HostRecord is written only by the host.
type HostRecord struct {
	OfferSDP      string   `mapstructure:"offerSdp"`
	ICECandidates []string `mapstructure:"iceCandidates"`
	CreatedAt     int64    `mapstructure:"createdAt"`
}

// GuestRecord is written only by the guest.
type GuestRecord struct {
	AnswerSDP     string   `mapstructure:"answerSdp"`
	ICECandidates []string `mapstructure:"iceCandidates"`
	CreatedAt     int64    `mapstructure:"createdAt"`
}

func RoomPath(roomID string) string  { return "rooms/" + roomID }
func HostPath(roomID string) string  { return "rooms/" + roomID + "/hostData/data" }
func GuestPath(roomID string) string { return "rooms/" + roomID + "/guestData/data" }

// ValidRoomID reports whether id can be used as a path segment.
func ValidRoomID(id string) bool {
	return id != "" && strings.TrimSpace(id) == id && !strings.Contains(id, "/")
}

func DecodeHostRecord(doc Document) (HostRecord, error) {
	var rec HostRecord
	if err := decode(doc, &rec); err != nil {
		return HostRecord{}, fmt.Errorf("decode host record: %w", err)
	}
	return rec, nil
}

func DecodeGuestRecord(doc Document) (GuestRecord, error) {
	var rec GuestRecord
	if err := decode(doc, &rec); err != nil {
		return GuestRecord{}, fmt.Errorf("decode guest record: %w", err)
	}
	return rec, nil
}

func decode(doc Document, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(doc))
}

// Clone returns a deep copy of the document. Nested slices and maps are copied.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case Document:
		return t.Clone()
	default:
		return v
	}
}
