package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/sjson"
)

var (
	recordIDCounter = 0
	recordIDMu      sync.Mutex
)

func generateRecordID() string {
	recordIDMu.Lock()
	defer recordIDMu.Unlock()
	recordIDCounter++
	return fmt.Sprintf("sign_%d", recordIDCounter)
}

type recordOpt func(rec []byte) ([]byte, error)

// WithID overrides the generated record ID.
func WithID(id string) recordOpt {
	return func(rec []byte) ([]byte, error) {
		return sjson.SetBytes(rec, "id", id)
	}
}

// WithCreatedAt overrides the creation time, which defaults to now.
func WithCreatedAt(ts time.Time) recordOpt {
	return func(rec []byte) ([]byte, error) {
		return sjson.SetBytes(rec, "created_at", ts.UTC().Format(time.RFC3339))
	}
}

// WithField sets an arbitrary field, e.g. WithField("layout", "portrait").
func WithField(path string, value interface{}) recordOpt {
	return func(rec []byte) ([]byte, error) {
		return sjson.SetBytes(rec, path, value)
	}
}

// NewRecord builds a signage record as it appears in a transferred snapshot.
func NewRecord(t *testing.T, guestName string, opts ...recordOpt) json.RawMessage {
	t.Helper()
	rec := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err == nil {
			rec, err = sjson.SetBytes(rec, path, value)
		}
	}
	set("id", generateRecordID())
	set("created_at", time.Now().UTC().Format(time.RFC3339))
	set("welcome_label", "Welcome")
	set("guest_name", guestName)
	set("sub_text", "")
	set("background_image", nil)
	set("is_active", true)
	set("layout", "landscape")
	for _, opt := range opts {
		if err != nil {
			break
		}
		rec, err = opt(rec)
	}
	if err != nil {
		t.Fatalf("NewRecord: %s", err)
	}
	return rec
}
