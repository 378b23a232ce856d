package webhooks

import (
	"testing"

	"github.com/mbd888/marketplace/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	storeContract(t, NewPostgresStore(db))
}
