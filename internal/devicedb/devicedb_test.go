package devicedb_test

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sapphiregw/meshgw/internal/devicedb"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (db *devicedb.DB) {
	t.Helper()

	db, err := devicedb.Open(filepath.Join(t.TempDir(), "bridges.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	return db
}

func TestPutLoadAll(t *testing.T) {
	db := openTestDB(t)

	rec := devicedb.Record{
		ShortAddr: 42,
		IP:        net.IPv4(10, 0, 0, 77),
		Lease:     time.Hour,
		IPValid:   true,
	}
	require.NoError(t, db.Put(rec))

	recs, err := db.LoadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, rec.ShortAddr, recs[0].ShortAddr)
	require.True(t, rec.IP.Equal(recs[0].IP))
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put(devicedb.Record{ShortAddr: 7}))
	require.NoError(t, db.Delete(7))

	recs, err := db.LoadAll()
	require.NoError(t, err)
	require.Empty(t, recs)
}
