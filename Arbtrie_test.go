package arbtrie

import "os"
import "path/filepath"
import "testing"

import "github.com/stretchr/testify/require"


func TestArbtrieBasicCRUD(t *testing.T) {
	db := openTestStore(t)

	ws, wsErr := db.StartWriteSession()
	require.NoError(t, wsErr)
	defer ws.Close()

	root := ws.CreateRoot()

	t.Run("Insert Then Get", func(t *testing.T) {
		require.NoError(t, ws.Upsert(root, []byte("hello"), []byte("world")))

		kvPair, getErr := ws.Get(root, []byte("hello"))
		require.NoError(t, getErr)
		require.NotNil(t, kvPair)
		require.Equal(t, []byte("world"), kvPair.Value)
	})

	t.Run("Update In Place", func(t *testing.T) {
		require.NoError(t, ws.Update(root, []byte("hello"), []byte("heaven")))

		kvPair, getErr := ws.Get(root, []byte("hello"))
		require.NoError(t, getErr)
		require.Equal(t, []byte("heaven"), kvPair.Value)
	})

	t.Run("Remove Then Get None", func(t *testing.T) {
		require.NoError(t, ws.Remove(root, []byte("hello")))

		kvPair, getErr := ws.Get(root, []byte("hello"))
		require.NoError(t, getErr)
		require.Nil(t, kvPair)

		count, countErr := ws.CountKeys(root, nil, nil)
		require.NoError(t, countErr)
		require.Equal(t, 0, count)
	})

	t.Run("Structural Modes", func(t *testing.T) {
		require.NoError(t, ws.Insert(root, []byte("only"), []byte("once")))
		require.ErrorIs(t, ws.Insert(root, []byte("only"), []byte("twice")), ErrKeyExists)
		require.ErrorIs(t, ws.Update(root, []byte("missing"), []byte("x")), ErrKeyNotFound)
		require.ErrorIs(t, ws.Remove(root, []byte("missing")), ErrKeyNotFound)

		kvPair, getErr := ws.Get(root, []byte("only"))
		require.NoError(t, getErr)
		require.Equal(t, []byte("once"), kvPair.Value)
	})

	t.Run("Large Values Spill To Value Nodes", func(t *testing.T) {
		large := generateRandomBytes(t, 4096)

		require.NoError(t, ws.Upsert(root, []byte("large"), large))

		kvPair, getErr := ws.Get(root, []byte("large"))
		require.NoError(t, getErr)
		require.Equal(t, large, kvPair.Value)

		stats, statsErr := db.HandleStats(root)
		require.NoError(t, statsErr)
		require.Equal(t, uint64(1), stats.Value)
	})
}

func TestArbtrieBoundaries(t *testing.T) {
	db := openTestStore(t)

	ws, wsErr := db.StartWriteSession()
	require.NoError(t, wsErr)
	defer ws.Close()

	root := ws.CreateRoot()

	t.Run("Empty Key Maps To The Root EOF Slot", func(t *testing.T) {
		require.NoError(t, ws.Upsert(root, []byte{}, []byte("empty")))
		require.NoError(t, ws.Upsert(root, []byte("a"), []byte("va")))

		kvPair, getErr := ws.Get(root, []byte{})
		require.NoError(t, getErr)
		require.Equal(t, []byte("empty"), kvPair.Value)

		it := ws.NewIterator(root)
		defer it.Close()

		require.True(t, it.LowerBound(nil))
		require.Equal(t, 0, len(it.Key()))
	})

	t.Run("Keys Above The Limit Are Rejected", func(t *testing.T) {
		tooLarge := make([]byte, MaxKeyLen + 1)
		require.ErrorIs(t, ws.Upsert(root, tooLarge, []byte("x")), ErrKeyTooLarge)

		atLimit := generateRandomBytes(t, MaxKeyLen)
		require.NoError(t, ws.Upsert(root, atLimit, []byte("max")))

		kvPair, getErr := ws.Get(root, atLimit)
		require.NoError(t, getErr)
		require.Equal(t, []byte("max"), kvPair.Value)
	})

	t.Run("Refcount Saturation Fails Without Mutating", func(t *testing.T) {
		id := root.id
		require.NotEqual(t, NodeID(0), id)

		start := db.refCount(id)
		for db.refCount(id) < MaxRefCount {
			require.NoError(t, db.ids.retain(id))
		}

		require.ErrorIs(t, db.ids.retain(id), ErrRefCountOverflow)
		require.Equal(t, MaxRefCount, db.refCount(id))

		for db.refCount(id) > start { db.ids.release(id) }
	})

	t.Run("Session Slots Are Bounded", func(t *testing.T) {
		sessions := make([]*ReadSession, 0, MaxSessionCount)

		defer func() {
			for _, session := range sessions { session.Close() }
		}()

		for {
			session, sessionErr := db.StartReadSession()
			if sessionErr != nil {
				require.ErrorIs(t, sessionErr, ErrSessionLimit)
				break
			}

			sessions = append(sessions, session)
		}

		// one slot is held by this test's write session, one by the compactor when running
		require.GreaterOrEqual(t, len(sessions), MaxSessionCount - 2)
	})
}

func TestArbtrieOpenValidation(t *testing.T) {
	t.Run("Bad Magic Fails Open", func(t *testing.T) {
		opts := testOpts(t)

		db, openErr := Open(opts)
		require.NoError(t, openErr)
		require.NoError(t, db.Close())

		file, fileErr := os.OpenFile(filepath.Join(opts.Filepath, headerFileName), os.O_RDWR, 0600)
		require.NoError(t, fileErr)

		_, writeErr := file.WriteAt([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF}, hdrMagicIdx)
		require.NoError(t, writeErr)
		require.NoError(t, file.Close())

		_, reopenErr := Open(opts)
		require.ErrorIs(t, reopenErr, ErrBadMagic)
	})

	t.Run("Geometry Mismatch Fails Open", func(t *testing.T) {
		opts := testOpts(t)

		db, openErr := Open(opts)
		require.NoError(t, openErr)
		require.NoError(t, db.Close())

		opts.MaxSegmentCount = opts.MaxSegmentCount * 2
		_, reopenErr := Open(opts)
		require.ErrorIs(t, reopenErr, ErrBadHeaderSize)
	})
}

func TestArbtrieReopen(t *testing.T) {
	opts := testOpts(t)

	db, openErr := Open(opts)
	require.NoError(t, openErr)

	ws, wsErr := db.StartWriteSession()
	require.NoError(t, wsErr)

	root := ws.CreateRoot()

	keys := make([][]byte, 500)
	for idx := range keys {
		keys[idx] = generateRandomBytes(t, 16)
		require.NoError(t, ws.Upsert(root, keys[idx], keys[idx]))
	}

	require.NoError(t, db.SetRoot(0, root))
	root.Release()
	require.NoError(t, ws.Close())
	require.NoError(t, db.Close())

	db, openErr = Open(opts)
	require.NoError(t, openErr)
	defer db.Close()

	reopened, rootErr := db.GetRoot(0)
	require.NoError(t, rootErr)
	defer reopened.Release()

	rs, rsErr := db.StartReadSession()
	require.NoError(t, rsErr)
	defer rs.Close()

	for _, key := range keys {
		kvPair, getErr := rs.Get(reopened, key)
		require.NoError(t, getErr)
		require.NotNil(t, kvPair, "key lost across reopen")
		require.Equal(t, key, kvPair.Value)
	}
}
