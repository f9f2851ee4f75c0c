// Package journal keeps a local history of procedure and programming results.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roffe/godiag/pkg/procedure"
	"github.com/roffe/godiag/pkg/programming"
	bolt "go.etcd.io/bbolt"
)

var (
	procedureBucket   = []byte("procedures")
	programmingBucket = []byte("programming")
)

var ErrEmptyID = errors.New("record id is empty")

// Journal stores results in a bbolt file. Keys are the big endian unix nano
// timestamp followed by the record id, so a cursor walks them in time order.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{procedureBucket, programmingBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func key(ts time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(ts.UnixNano()))
	return append(k, id...)
}

func (j *Journal) put(bucket []byte, ts time.Time, id string, v any) error {
	if id == "" {
		return ErrEmptyID
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key(ts, id), data)
	})
}

// SaveProcedure stores a procedure result under its procedure id.
func (j *Journal) SaveProcedure(r *procedure.Result) error {
	return j.put(procedureBucket, r.Timestamp, r.ProcedureID, r)
}

// SaveProgramming stores a programming result, the ecu argument identifies
// the target, typically its VIN.
func (j *Journal) SaveProgramming(ecu string, r *programming.Result) error {
	return j.put(programmingBucket, r.Timestamp, ecu+"/"+r.Type.String(), r)
}

// list walks bucket newest first and decodes up to limit entries, zero
// meaning all.
func list[T any](db *bolt.DB, bucket []byte, limit int) ([]T, error) {
	var out []T
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			var r T
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %x: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Procedures returns stored procedure results, newest first.
func (j *Journal) Procedures(limit int) ([]procedure.Result, error) {
	return list[procedure.Result](j.db, procedureBucket, limit)
}

// Programming returns stored programming results, newest first.
func (j *Journal) Programming(limit int) ([]programming.Result, error) {
	return list[programming.Result](j.db, programmingBucket, limit)
}

// Clear drops every stored result.
func (j *Journal) Clear() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{procedureBucket, programmingBucket} {
			if err := tx.DeleteBucket(b); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}
