package state

import (
	"os"
	"testing"

	"github.com/matrix-org/signage-sync/testutils"
)

var (
	dbDriver           = "sqlite3"
	dbConnectionString = ""
)

func TestMain(m *testing.M) {
	dbDriver, dbConnectionString = testutils.PrepareDBConnectionString("signage_state_test")
	exitCode := m.Run()
	os.Exit(exitCode)
}

// newStore opens the test DB with an empty signages table.
func newStore(t *testing.T) *Storage {
	t.Helper()
	store, err := Open(dbDriver, dbConnectionString)
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	t.Cleanup(store.Teardown)
	store.DB.MustExec(`DELETE FROM signages`)
	return store
}
