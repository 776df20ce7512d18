package assetdb

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confab/internal/codec"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustAsset(t *testing.T, a codec.Asset) []byte {
	t.Helper()
	b, err := codec.MarshalAsset(a)
	require.NoError(t, err)
	return b
}

func mustList(t *testing.T, l codec.List) []byte {
	t.Helper()
	b, err := codec.MarshalList(l)
	require.NoError(t, err)
	return b
}

func TestAssetByKeyAndName(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.FindAssetByKey(1)
	require.NoError(t, err)
	assert.True(t, rec.Empty())

	b := mustAsset(t, codec.Asset{Key: 1, Name: "snare", Type: 1})
	require.NoError(t, db.StoreAsset(1, b))

	rec, err = db.FindAssetByKey(1)
	require.NoError(t, err)
	assert.Equal(t, b, []byte(rec))

	rec, err = db.FindAssetByName("snare")
	require.NoError(t, err)
	assert.Equal(t, b, []byte(rec))

	rec, err = db.FindAssetByName("kick")
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestRenamedAssetDropsOldName(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.StoreAsset(1, mustAsset(t, codec.Asset{Key: 1, Name: "old", Type: 1})))
	require.NoError(t, db.StoreAsset(1, mustAsset(t, codec.Asset{Key: 1, Name: "new", Type: 1})))

	rec, err := db.FindAssetByName("old")
	require.NoError(t, err)
	assert.True(t, rec.Empty())

	rec, err = db.FindAssetByName("new")
	require.NoError(t, err)
	assert.False(t, rec.Empty())
}

func TestRenameKeepsNameOwnedByOtherAsset(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.StoreAsset(1, mustAsset(t, codec.Asset{Key: 1, Name: "shared", Type: 1})))
	require.NoError(t, db.StoreAsset(2, mustAsset(t, codec.Asset{Key: 2, Name: "shared", Type: 1})))
	require.NoError(t, db.StoreAsset(1, mustAsset(t, codec.Asset{Key: 1, Name: "mine", Type: 1})))

	rec, err := db.FindAssetByName("shared")
	require.NoError(t, err)
	a, err := codec.ReadAsset(rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a.Key)
}

func TestStoreRejectsUnverifiedPayloads(t *testing.T) {
	db := openTestDB(t)
	assert.ErrorIs(t, db.StoreAsset(1, []byte("junk")), codec.ErrVerificationFailure)
	assert.ErrorIs(t, db.StoreAssetDataChunk(1, 0, []byte("junk")), codec.ErrVerificationFailure)
	assert.ErrorIs(t, db.StoreList(1, []byte("junk")), codec.ErrVerificationFailure)

	rec, err := db.FindAssetByKey(1)
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestAssetDataChunks(t *testing.T) {
	db := openTestDB(t)
	c0, err := codec.MarshalAssetData(codec.AssetData{Key: 5, Chunk: 0, Data: []byte("a")})
	require.NoError(t, err)
	c1, err := codec.MarshalAssetData(codec.AssetData{Key: 5, Chunk: 1, Data: []byte("b")})
	require.NoError(t, err)
	require.NoError(t, db.StoreAssetDataChunk(5, 0, c0))
	require.NoError(t, db.StoreAssetDataChunk(5, 1, c1))

	rec, err := db.LoadAssetDataChunk(5, 1)
	require.NoError(t, err)
	assert.Equal(t, c1, []byte(rec))

	rec, err = db.LoadAssetDataChunk(5, 2)
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestListStoreAndLookup(t *testing.T) {
	db := openTestDB(t)
	b := mustList(t, codec.List{Key: 9, Name: "kit", Items: []codec.Pair{{Token: 1, Value: 100}}})
	require.NoError(t, db.StoreList(9, b))

	rec, err := db.LoadList(9)
	require.NoError(t, err)
	assert.Equal(t, b, []byte(rec))

	rec, err = db.FindListByName("kit")
	require.NoError(t, err)
	assert.Equal(t, b, []byte(rec))
}

func TestPageListItems(t *testing.T) {
	db := openTestDB(t)
	items := []codec.Pair{{Token: 30, Value: 3}, {Token: 10, Value: 1}, {Token: 20, Value: 2}}
	require.NoError(t, db.StoreList(9, mustList(t, codec.List{Key: 9, Items: items})))

	page, err := db.PageListItems(9, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []codec.Pair{{Token: 10, Value: 1}, {Token: 20, Value: 2}}, page)

	page, err = db.PageListItems(9, 21, 2)
	require.NoError(t, err)
	assert.Equal(t, []codec.Pair{{Token: 30, Value: 3}}, page)

	page, err = db.PageListItems(9, 31, 2)
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Empty(t, page)

	_, err = db.PageListItems(10, 0, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListReplacesItems(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.StoreList(9, mustList(t, codec.List{Key: 9, Items: []codec.Pair{{Token: 1, Value: 1}, {Token: 2, Value: 2}}})))
	require.NoError(t, db.StoreList(9, mustList(t, codec.List{Key: 9, Items: []codec.Pair{{Token: 3, Value: 3}}})))

	page, err := db.PageListItems(9, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []codec.Pair{{Token: 3, Value: 3}}, page)
}

func TestPagesDoNotLeakAcrossLists(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.StoreList(1, mustList(t, codec.List{Key: 1, Items: []codec.Pair{{Token: 1, Value: 1}}})))
	require.NoError(t, db.StoreList(2, mustList(t, codec.List{Key: 2, Items: []codec.Pair{{Token: 1, Value: 2}}})))

	page, err := db.PageListItems(1, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []codec.Pair{{Token: 1, Value: 1}}, page)
}

func TestConcurrentWrites(t *testing.T) {
	db := openTestDB(t)
	payloads := make([][]byte, 32)
	for i := range payloads {
		payloads[i] = mustAsset(t, codec.Asset{Key: uint64(i), Name: codec.FormatKey(uint64(i)), Type: 1})
	}
	var wg sync.WaitGroup
	for i, b := range payloads {
		wg.Add(1)
		go func(k uint64, b []byte) {
			defer wg.Done()
			assert.NoError(t, db.StoreAsset(k, b))
		}(uint64(i), b)
	}
	wg.Wait()

	s, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 32, s.Assets)
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.StoreAsset(1, mustAsset(t, codec.Asset{Key: 1, Name: "a", Type: 1})))
	require.NoError(t, db.StoreList(2, mustList(t, codec.List{Key: 2, Name: "l"})))

	s, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Assets: 1, Lists: 1}, s)
	assert.Equal(t, "assets=1 chunks=0 lists=1", s.String())
}

func TestOpenOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.StoreAsset(1, mustAsset(t, codec.Asset{Key: 1, Type: 1})))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	rec, err := db.FindAssetByKey(1)
	require.NoError(t, err)
	assert.False(t, rec.Empty())
}

func TestRejectedWritesKeepStoredRecords(t *testing.T) {
	db := openTestDB(t)
	asset := mustAsset(t, codec.Asset{Key: 1, Name: "kick", Type: 1})
	list := mustList(t, codec.List{Key: 2, Name: "kit", Items: []codec.Pair{{Token: 1, Value: 10}, {Token: 2, Value: 20}}})
	require.NoError(t, db.StoreAsset(1, asset))
	require.NoError(t, db.StoreList(2, list))

	assert.Error(t, db.StoreAsset(1, []byte("junk")))
	assert.Error(t, db.StoreList(2, []byte("junk")))

	rec, err := db.FindAssetByKey(1)
	require.NoError(t, err)
	assert.Equal(t, asset, []byte(rec))
	rec, err = db.FindListByName("kit")
	require.NoError(t, err)
	assert.Equal(t, list, []byte(rec))
	page, err := db.PageListItems(2, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []codec.Pair{{Token: 1, Value: 10}, {Token: 2, Value: 20}}, page)
}

func TestStatsCountOverwritesOnce(t *testing.T) {
	db := openTestDB(t)
	chunk, err := codec.MarshalAssetData(codec.AssetData{Key: 1, Chunk: 0, Data: []byte("x")})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.StoreAsset(1, mustAsset(t, codec.Asset{Key: 1, Type: uint32(i + 1)})))
		require.NoError(t, db.StoreAssetDataChunk(1, 0, chunk))
		require.NoError(t, db.StoreList(2, mustList(t, codec.List{Key: 2})))
	}
	require.NoError(t, db.StoreAssetDataChunk(1, 1, chunk))
	assert.Error(t, db.StoreAsset(3, []byte("junk")))

	s, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Assets: 1, Chunks: 2, Lists: 1}, s)
}

func TestStatsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path)
	require.NoError(t, err)
	chunk, err := codec.MarshalAssetData(codec.AssetData{Key: 1, Chunk: 0, Data: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, db.StoreAsset(1, mustAsset(t, codec.Asset{Key: 1, Name: "a", Type: 1})))
	require.NoError(t, db.StoreAsset(2, mustAsset(t, codec.Asset{Key: 2, Type: 1})))
	require.NoError(t, db.StoreAssetDataChunk(1, 0, chunk))
	require.NoError(t, db.StoreList(3, mustList(t, codec.List{Key: 3, Name: "l", Items: []codec.Pair{{Token: 1, Value: 1}}})))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	s, err := db.Stats()
	require.NoError(t, err)
	// name and item rows are not counted as records
	assert.Equal(t, Stats{Assets: 2, Chunks: 1, Lists: 1}, s)
}
