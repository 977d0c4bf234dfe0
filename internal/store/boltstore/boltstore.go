// Package boltstore keeps exported snapshots in a bbolt file. Contents are lz4 compressed
// at rest and verified against a blake3 digest on every load.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pierrec/lz4/v4"
	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"

	"lockstep/internal/codec"
	"lockstep/internal/store"
	"lockstep/logging"
)

var (
	contentsBucket = []byte("snapshots")
	infoBucket     = []byte("info")
)

const digestSize = 32

// Store is a store.Store on a bbolt database.
type Store struct {
	db    *bolt.DB
	clock logging.Clock
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, clock logging.Clock) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{contentsBucket, infoBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare snapshot store %s: %w", path, err)
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Store{db: db, clock: clock}, nil
}

// Save writes text and its metadata in one transaction.
func (s *Store) Save(_ context.Context, text string) (store.Info, error) {
	info, err := store.Describe(text, s.clock.Now())
	if err != nil {
		return store.Info{}, err
	}
	value, err := pack([]byte(text))
	if err != nil {
		return store.Info{}, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(info.Name)
		if err := tx.Bucket(contentsBucket).Put(key, value); err != nil {
			return err
		}
		return tx.Bucket(infoBucket).Put(key, encodeInfo(info))
	})
	if err != nil {
		return store.Info{}, fmt.Errorf("save snapshot %q: %w", info.Name, err)
	}
	return info, nil
}

func (s *Store) Load(_ context.Context, name string) (string, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(contentsBucket).Get([]byte(name))
		if stored == nil {
			return store.ErrNotFound
		}
		value = append([]byte(nil), stored...)
		return nil
	})
	if err != nil {
		return "", err
	}
	text, err := unpack(value)
	if err != nil {
		return "", fmt.Errorf("load snapshot %q: %w", name, err)
	}
	return string(text), nil
}

func (s *Store) List(_ context.Context) ([]store.Info, error) {
	var infos []store.Info
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(infoBucket).ForEach(func(k, v []byte) error {
			info, err := decodeInfo(v)
			if err != nil {
				return fmt.Errorf("snapshot %q: %w", k, err)
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(name)
		if tx.Bucket(contentsBucket).Get(key) == nil {
			return store.ErrNotFound
		}
		if err := tx.Bucket(contentsBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(infoBucket).Delete(key)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// pack prefixes the lz4 stream of text with the digest of text.
func pack(text []byte) ([]byte, error) {
	var buf bytes.Buffer
	sum := blake3.Sum256(text)
	buf.Write(sum[:])
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(text); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func unpack(value []byte) ([]byte, error) {
	if len(value) < digestSize {
		return nil, store.ErrCorrupt
	}
	var want [digestSize]byte
	copy(want[:], value[:digestSize])
	text, err := io.ReadAll(lz4.NewReader(bytes.NewReader(value[digestSize:])))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	if blake3.Sum256(text) != want {
		return nil, store.ErrCorrupt
	}
	return text, nil
}

func encodeInfo(info store.Info) []byte {
	w := codec.NewWriter(64 + len(info.Name) + len(info.World))
	w.WriteString(info.Name)
	w.WriteString(info.World)
	w.WriteTime(info.Exported)
	w.WriteTime(info.Saved)
	w.WriteSmallUint(uint64(info.Modules))
	w.WriteSmallUint(uint64(info.Size))
	return w.Bytes()
}

func decodeInfo(data []byte) (store.Info, error) {
	r := codec.NewReader(data)
	info := store.Info{
		Name:     r.ReadString(),
		World:    r.ReadString(),
		Exported: r.ReadTime(),
		Saved:    r.ReadTime(),
		Modules:  int(r.ReadSmallUint()),
		Size:     int(r.ReadSmallUint()),
	}
	if err := r.Err(); err != nil {
		return store.Info{}, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	return info, nil
}
