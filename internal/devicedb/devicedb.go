// Package devicedb persists the gateway's wireless bridge table across
// restarts using bbolt, in the style of AdGuardHome's session storage.
package devicedb

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"go.etcd.io/bbolt"
)

// bucketBridges is the bbolt bucket name storing serialized bridge
// entries, keyed by big-endian short address.
const bucketBridges = "bridges-1"

// Record is the on-disk representation of a single wireless node's
// bridging state: its short address, assigned IP, DHCP lease length, and
// flags, mirroring bridge_t.
type Record struct {
	ShortAddr uint16        `json:"short_addr"`
	IP        net.IP        `json:"ip"`
	Lease     time.Duration `json:"lease"`
	ManualIP  bool          `json:"manual_ip"`
	RequestIP bool          `json:"request_ip"`
	IPValid   bool          `json:"ip_valid"`
}

// DB is the bbolt-backed store of bridge [Record]s.
type DB struct {
	bolt   *bbolt.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the bbolt database at path and ensures
// the bridges bucket exists.
func Open(path string, logger *slog.Logger) (db *DB, err error) {
	bolt, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("devicedb: opening %q: %w", path, err)
	}

	err = bolt.Update(func(tx *bbolt.Tx) (err error) {
		_, err = tx.CreateBucketIfNotExists([]byte(bucketBridges))

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("devicedb: creating bucket: %w", err)
	}

	return &DB{bolt: bolt, logger: logger}, nil
}

// Close releases the database file.
func (db *DB) Close() (err error) {
	return db.bolt.Close()
}

// key renders a short address as its fixed-width big-endian bbolt key.
func key(shortAddr uint16) []byte {
	return []byte{byte(shortAddr >> 8), byte(shortAddr)}
}

// Put stores or overwrites rec, keyed by its ShortAddr.
func (db *DB) Put(rec Record) (err error) {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("devicedb: encoding record: %w", err)
	}

	return db.bolt.Update(func(tx *bbolt.Tx) (err error) {
		return tx.Bucket([]byte(bucketBridges)).Put(key(rec.ShortAddr), buf)
	})
}

// Delete removes the record for shortAddr, if any.
func (db *DB) Delete(shortAddr uint16) (err error) {
	return db.bolt.Update(func(tx *bbolt.Tx) (err error) {
		return tx.Bucket([]byte(bucketBridges)).Delete(key(shortAddr))
	})
}

// LoadAll returns every stored record, skipping (and logging) any entry
// that fails to decode rather than aborting the load, the same tolerance
// as the reference session loader.
func (db *DB) LoadAll() (recs []Record, err error) {
	var errs []error

	err = db.bolt.View(func(tx *bbolt.Tx) (err error) {
		bkt := tx.Bucket([]byte(bucketBridges))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(k, v []byte) (err error) {
			var rec Record
			if err = json.Unmarshal(v, &rec); err != nil {
				if db.logger != nil {
					db.logger.Warn("devicedb: decoding record", "key", k, "error", err)
				}

				return nil
			}

			recs = append(recs, rec)

			return nil
		})
	})
	if err != nil {
		return nil, errors.Annotate(err, "devicedb: loading: %w")
	}

	return recs, errors.Join(errs...)
}
