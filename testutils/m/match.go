package m

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/matrix-org/signage-sync/pairsync"
	"github.com/tidwall/gjson"
)

type RecordMatcher func(rec gjson.Result) error
type UpdateMatcher func(u pairsync.Update) error

// LogRecord builds a matcher that always succeeds. As a side-effect, it pretty-prints
// the given record to the test log. This is useful when debugging a test.
func LogRecord(t *testing.T) RecordMatcher {
	return func(rec gjson.Result) error {
		t.Logf("Record was: %s", rec.Raw)
		return nil
	}
}

// MatchField builds a RecordMatcher which checks that the field at path holds want, compared
// by its JSON encoding.
func MatchField(path string, want interface{}) RecordMatcher {
	return func(rec gjson.Result) error {
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return fmt.Errorf("MatchField: cannot encode %v: %s", want, err)
		}
		got := rec.Get(path)
		if !got.Exists() {
			return fmt.Errorf("MatchField: %s missing", path)
		}
		if got.Raw != string(wantJSON) {
			return fmt.Errorf("MatchField: %s got %s want %s", path, got.Raw, wantJSON)
		}
		return nil
	}
}

func MatchID(id string) RecordMatcher {
	return MatchField("id", id)
}

func MatchGuestName(name string) RecordMatcher {
	return MatchField("guest_name", name)
}

func MatchActive(active bool) RecordMatcher {
	return MatchField("is_active", active)
}

func MatchLayout(layout string) RecordMatcher {
	return MatchField("layout", layout)
}

// MatchNoBackground checks that the record has a null or absent background image.
func MatchNoBackground() RecordMatcher {
	return func(rec gjson.Result) error {
		if bg := rec.Get("background_image"); bg.Exists() && bg.Type != gjson.Null {
			return fmt.Errorf("MatchNoBackground: got %s", bg.Raw)
		}
		return nil
	}
}

// MatchRecords checks each record in order against the matchers at the same index.
func MatchRecords(t *testing.T, got []json.RawMessage, want ...[]RecordMatcher) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("MatchRecords: got %d records want %d", len(got), len(want))
	}
	for i := range got {
		if err := CheckRecord(got[i], want[i]...); err != nil {
			t.Errorf("%vMatchRecords[%d]: %s\n%s%v", AnsiRedForeground, i, err, got[i], AnsiResetForeground)
		}
	}
}

func CheckRecord(rec json.RawMessage, matchers ...RecordMatcher) error {
	res := gjson.ParseBytes(rec)
	if !res.IsObject() {
		return fmt.Errorf("CheckRecord: not an object: %s", rec)
	}
	for _, m := range matchers {
		if err := m(res); err != nil {
			return err
		}
	}
	return nil
}

func MatchStatus(want pairsync.Status) UpdateMatcher {
	return func(u pairsync.Update) error {
		if u.Status != want {
			return fmt.Errorf("MatchStatus: got %s want %s", u.Status, want)
		}
		return nil
	}
}

// MatchMessageContains checks the human-readable message, ignoring case.
func MatchMessageContains(substr string) UpdateMatcher {
	return func(u pairsync.Update) error {
		if !strings.Contains(strings.ToLower(u.Message), strings.ToLower(substr)) {
			return fmt.Errorf("MatchMessageContains: %q does not contain %q", u.Message, substr)
		}
		return nil
	}
}

// MatchErrorAs checks the update's error with check, typically a closure around errors.As.
func MatchErrorAs(check func(err error) bool, desc string) UpdateMatcher {
	return func(u pairsync.Update) error {
		if u.Err == nil || !check(u.Err) {
			return fmt.Errorf("MatchErrorAs: got %v want %s", u.Err, desc)
		}
		return nil
	}
}

const AnsiRedForeground = "\x1b[31m"
const AnsiResetForeground = "\x1b[39m"

func MatchUpdate(t *testing.T, u pairsync.Update, matchers ...UpdateMatcher) {
	t.Helper()
	for _, m := range matchers {
		if err := m(u); err != nil {
			t.Errorf("%vMatchUpdate: %s (status=%s message=%q err=%v)%v", AnsiRedForeground, err, u.Status, u.Message, u.Err, AnsiResetForeground)
		}
	}
}

// MatchStatusSequence checks that want appears in seen in order, allowing other statuses in between.
func MatchStatusSequence(seen []pairsync.Status, want ...pairsync.Status) error {
	i := 0
	for _, s := range seen {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	if i != len(want) {
		return fmt.Errorf("MatchStatusSequence: got %v want subsequence %v", seen, want)
	}
	return nil
}

// EqualAnyOrder compares records by their id field, then by their full JSON.
func EqualAnyOrder(got, want []json.RawMessage) error {
	if len(got) != len(want) {
		return fmt.Errorf("EqualAnyOrder: got %d, want %d", len(got), len(want))
	}
	byID := func(recs []json.RawMessage) []json.RawMessage {
		sorted := append([]json.RawMessage(nil), recs...)
		sort.Slice(sorted, func(i, j int) bool {
			return gjson.GetBytes(sorted[i], "id").Str < gjson.GetBytes(sorted[j], "id").Str
		})
		return sorted
	}
	g, w := byID(got), byID(want)
	for i := range g {
		if !jsonEqual(g[i], w[i]) {
			return fmt.Errorf("EqualAnyOrder: [%d] got %s want %s", i, g[i], w[i])
		}
	}
	return nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var x, y interface{}
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	ax, _ := json.Marshal(x)
	by, _ := json.Marshal(y)
	return string(ax) == string(by)
}
