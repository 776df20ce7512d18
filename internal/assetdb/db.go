// Package assetdb persists assets, asset data chunks and lists in leveldb.
package assetdb

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"confab/internal/codec"
)

// ErrNotFound is returned by PageListItems when the list does not exist.
var ErrNotFound = errors.New("not found")

const (
	prefixAsset     = "a:"
	prefixAssetName = "an:"
	prefixData      = "d:"
	prefixList      = "l:"
	prefixListName  = "ln:"
	prefixItem      = "i:"
)

// DB is the asset store. Reads go straight to leveldb; writes are
// serialized by writeMu, which also guards the record counters.
type DB struct {
	db *leveldb.DB

	writeMu sync.Mutex
	assets  atomic.Int64
	chunks  atomic.Int64
	lists   atomic.Int64
}

func Open(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return newDB(db)
}

// OpenMem opens a store backed by memory only.
func OpenMem() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newDB(db)
}

func newDB(db *leveldb.DB) (*DB, error) {
	d := &DB{db: db}
	if err := d.loadCounts(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// loadCounts counts stored records once; writes keep the counts current.
func (d *DB) loadCounts() error {
	for _, c := range []struct {
		prefix string
		n      *atomic.Int64
	}{
		{prefixAsset, &d.assets},
		{prefixData, &d.chunks},
		{prefixList, &d.lists},
	} {
		var n int64
		it := d.db.NewIterator(util.BytesPrefix([]byte(c.prefix)), nil)
		for it.Next() {
			n++
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
		c.n.Store(n)
	}
	return nil
}

func (d *DB) has(key []byte) (bool, error) { return d.db.Has(key, nil) }

func (d *DB) Close() error { return d.db.Close() }

func assetKey(k uint64) []byte { return []byte(prefixAsset + codec.FormatKey(k)) }
func listKey(k uint64) []byte  { return []byte(prefixList + codec.FormatKey(k)) }

func dataKey(k, chunk uint64) []byte {
	return []byte(prefixData + codec.FormatKey(k) + ":" + codec.FormatKey(chunk))
}

func itemPrefix(list uint64) []byte { return []byte(prefixItem + codec.FormatKey(list) + ":") }

func itemKey(list, token uint64) []byte {
	return append(itemPrefix(list), codec.FormatKey(token)...)
}

// get returns an empty record and no error when key is absent.
func (d *DB) get(key []byte) (codec.Record, error) {
	b, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return codec.Record(b), nil
}

// byName resolves a name index entry and loads the record it points at.
func (d *DB) byName(index, prefix, name string) (codec.Record, error) {
	ref, err := d.get([]byte(index + name))
	if err != nil || ref.Empty() {
		return nil, err
	}
	k, err := codec.ParseKey(string(ref))
	if err != nil {
		return nil, fmt.Errorf("corrupt name index %q: %w", name, err)
	}
	return d.get([]byte(prefix + codec.FormatKey(k)))
}

func (d *DB) FindAssetByKey(key uint64) (codec.Record, error) {
	return d.get(assetKey(key))
}

func (d *DB) FindAssetByName(name string) (codec.Record, error) {
	return d.byName(prefixAssetName, prefixAsset, name)
}

func (d *DB) LoadAssetDataChunk(key, chunk uint64) (codec.Record, error) {
	return d.get(dataKey(key, chunk))
}

func (d *DB) LoadList(key uint64) (codec.Record, error) {
	return d.get(listKey(key))
}

func (d *DB) FindListByName(name string) (codec.Record, error) {
	return d.byName(prefixListName, prefixList, name)
}

func (d *DB) StoreAsset(key uint64, b []byte) error {
	a, err := codec.ReadAsset(b)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	batch := new(leveldb.Batch)
	if err := d.dropStaleName(batch, assetKey(key), prefixAssetName, a.Name, func(old []byte) (string, error) {
		oa, err := codec.ReadAsset(old)
		return oa.Name, err
	}); err != nil {
		return err
	}
	existed, err := d.has(assetKey(key))
	if err != nil {
		return err
	}
	batch.Put(assetKey(key), b)
	if a.Name != "" {
		batch.Put([]byte(prefixAssetName+a.Name), []byte(codec.FormatKey(key)))
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	if !existed {
		d.assets.Add(1)
	}
	return nil
}

// dropStaleName removes the name index entry of the record currently stored
// at key when the incoming record renames it.
func (d *DB) dropStaleName(batch *leveldb.Batch, key []byte, index, newName string, nameOf func([]byte) (string, error)) error {
	old, err := d.get(key)
	if err != nil || old.Empty() {
		return err
	}
	oldName, err := nameOf(old)
	if err != nil || oldName == "" || oldName == newName {
		// unreadable old records carry no index entry worth keeping
		return nil
	}
	ref, err := d.get([]byte(index + oldName))
	if err != nil {
		return err
	}
	if string(ref) == string(key[len(key)-16:]) {
		batch.Delete([]byte(index + oldName))
	}
	return nil
}

func (d *DB) StoreAssetDataChunk(key, chunk uint64, b []byte) error {
	if err := codec.Verify(b, codec.KindAssetData); err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	existed, err := d.has(dataKey(key, chunk))
	if err != nil {
		return err
	}
	if err := d.db.Put(dataKey(key, chunk), b, nil); err != nil {
		return err
	}
	if !existed {
		d.chunks.Add(1)
	}
	return nil
}

func (d *DB) StoreList(key uint64, b []byte) error {
	l, err := codec.ReadList(b)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	batch := new(leveldb.Batch)
	if err := d.dropStaleName(batch, listKey(key), prefixListName, l.Name, func(old []byte) (string, error) {
		ol, err := codec.ReadList(old)
		return ol.Name, err
	}); err != nil {
		return err
	}

	it := d.db.NewIterator(util.BytesPrefix(itemPrefix(key)), nil)
	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	existed, err := d.has(listKey(key))
	if err != nil {
		return err
	}
	batch.Put(listKey(key), b)
	if l.Name != "" {
		batch.Put([]byte(prefixListName+l.Name), []byte(codec.FormatKey(key)))
	}
	for _, p := range l.Items {
		batch.Put(itemKey(key, p.Token), []byte(codec.FormatKey(p.Value)))
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	if !existed {
		d.lists.Add(1)
	}
	return nil
}

// PageListItems returns up to limit items of list key whose token is at least
// from, in token order. A missing list yields ErrNotFound; a list with no
// items at or after from yields an empty slice.
func (d *DB) PageListItems(key, from uint64, limit int) ([]codec.Pair, error) {
	ok, err := d.db.Has(listKey(key), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("list %s: %w", codec.FormatKey(key), ErrNotFound)
	}

	rng := util.BytesPrefix(itemPrefix(key))
	rng.Start = itemKey(key, from)
	it := d.db.NewIterator(rng, nil)
	defer it.Release()

	pairs := make([]codec.Pair, 0)
	for len(pairs) < limit && it.Next() {
		k := it.Key()
		token, err := codec.ParseKey(string(k[len(k)-16:]))
		if err != nil {
			return nil, fmt.Errorf("corrupt item key %q: %w", k, err)
		}
		value, err := codec.ParseKey(string(it.Value()))
		if err != nil {
			return nil, fmt.Errorf("corrupt item value %q: %w", it.Value(), err)
		}
		pairs = append(pairs, codec.Pair{Token: token, Value: value})
	}
	return pairs, it.Error()
}

// Stats counts stored records by type.
type Stats struct {
	Assets int
	Chunks int
	Lists  int
}

func (s Stats) String() string {
	return "assets=" + strconv.Itoa(s.Assets) + " chunks=" + strconv.Itoa(s.Chunks) + " lists=" + strconv.Itoa(s.Lists)
}

// Stats reports counters kept in memory; it does not touch leveldb.
func (d *DB) Stats() (Stats, error) {
	return Stats{
		Assets: int(d.assets.Load()),
		Chunks: int(d.chunks.Load()),
		Lists:  int(d.lists.Load()),
	}, nil
}
