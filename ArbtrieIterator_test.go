package arbtrie

import "bytes"
import "sort"
import "testing"

import "github.com/stretchr/testify/require"


func tickerKeys() [][]byte {
	var keys [][]byte
	for second := byte('b'); second <= 'c'; second++ {
		for third := byte('a'); third <= 'z'; third++ {
			keys = append(keys, []byte{'a', second, third})
			if second == 'c' && third == 'c' { return keys }
		}
	}

	return keys
}

func TestArbtrieIterator(t *testing.T) {
	db := openTestStore(t)

	ws, wsErr := db.StartWriteSession()
	require.NoError(t, wsErr)
	defer ws.Close()

	t.Run("Ordered Iteration Over Tickers", func(t *testing.T) {
		root := ws.CreateRoot()
		defer root.Release()

		keys := tickerKeys()
		require.Equal(t, 29, len(keys))

		for _, key := range keys {
			require.NoError(t, ws.Upsert(root, key, key))
		}

		it := ws.NewIterator(root)
		defer it.Close()

		idx := 0
		ok := it.LowerBound([]byte("abc"))
		start := 2
		for ok {
			require.Equal(t, keys[start + idx], it.Key())
			require.Equal(t, keys[start + idx], it.ReadValue(nil))

			idx++
			ok = it.Next()
		}

		require.Equal(t, len(keys) - start, idx)
	})

	t.Run("Reverse Iteration", func(t *testing.T) {
		root := ws.CreateRoot()
		defer root.Release()

		keys := tickerKeys()
		for _, key := range keys {
			require.NoError(t, ws.Upsert(root, key, key))
		}

		it := ws.NewIterator(root)
		defer it.Close()

		require.True(t, it.ReverseLowerBound([]byte("zzz")))

		idx := len(keys) - 1
		for {
			require.Equal(t, keys[idx], it.Key())

			idx--
			if ! it.Prev() { break }
		}

		require.Equal(t, -1, idx)
	})

	t.Run("EOF Values Order Before Branches", func(t *testing.T) {
		root := ws.CreateRoot()
		defer root.Release()

		// force inner nodes so "a" and "ab" land in end-of-key slots
		filler := make([][]byte, 300)
		for idx := range filler {
			filler[idx] = append([]byte("abc"), generateRandomBytes(t, 8)...)
			require.NoError(t, ws.Upsert(root, filler[idx], filler[idx]))
		}

		require.NoError(t, ws.Upsert(root, []byte("a"), []byte("va")))
		require.NoError(t, ws.Upsert(root, []byte("ab"), []byte("vab")))
		require.NoError(t, ws.Upsert(root, []byte("abc"), []byte("vabc")))

		it := ws.NewIterator(root)
		defer it.Close()

		require.True(t, it.LowerBound([]byte("a")))
		require.Equal(t, []byte("a"), it.Key())
		require.Equal(t, []byte("va"), it.ReadValue(nil))

		require.True(t, it.Next())
		require.Equal(t, []byte("ab"), it.Key())

		require.True(t, it.Next())
		require.Equal(t, []byte("abc"), it.Key())
		require.Equal(t, []byte("vabc"), it.ReadValue(nil))
	})

	t.Run("Full Scan Matches Sorted Input", func(t *testing.T) {
		root := ws.CreateRoot()
		defer root.Release()

		inserted := make(map[string]bool)
		for idx := 0; idx < 2000; idx++ {
			key := generateRandomBytes(t, 12)
			inserted[string(key)] = true
			require.NoError(t, ws.Upsert(root, key, key))
		}

		expected := make([][]byte, 0, len(inserted))
		for key := range inserted { expected = append(expected, []byte(key)) }
		sort.Slice(expected, func(i, j int) bool { return bytes.Compare(expected[i], expected[j]) < 0 })

		it := ws.NewIterator(root)
		defer it.Close()

		keys := collectKeys(it, nil)
		require.True(t, isSorted(keys))
		require.Equal(t, len(expected), len(keys))

		for idx := range expected {
			require.Equal(t, expected[idx], keys[idx])
		}
	})

	t.Run("LowerBound UpperBound Semantics", func(t *testing.T) {
		root := ws.CreateRoot()
		defer root.Release()

		for _, key := range [][]byte{ []byte("b"), []byte("d"), []byte("f") } {
			require.NoError(t, ws.Upsert(root, key, key))
		}

		it := ws.NewIterator(root)
		defer it.Close()

		require.True(t, it.LowerBound([]byte("d")))
		require.Equal(t, []byte("d"), it.Key())

		require.True(t, it.UpperBound([]byte("d")))
		require.Equal(t, []byte("f"), it.Key())

		require.True(t, it.LowerBound([]byte("c")))
		require.Equal(t, []byte("d"), it.Key())

		require.False(t, it.LowerBound([]byte("g")))

		require.True(t, it.ReverseLowerBound([]byte("e")))
		require.Equal(t, []byte("d"), it.Key())

		require.True(t, it.ReverseLowerBound([]byte("b")))
		require.Equal(t, []byte("b"), it.Key())
	})
}
