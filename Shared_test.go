package arbtrie

import "bytes"
import "crypto/rand"
import "testing"

import "github.com/stretchr/testify/require"


// testOpts shrinks the geometry so small tests exercise segment rotation and compaction
func testOpts(t *testing.T) ArbtrieOpts {
	return ArbtrieOpts{
		Filepath: t.TempDir(),
		SegmentSize: 1 << 16,
		MaxSegmentCount: 1 << 10,
		MaxRegionCount: 64,
		NumTopRoots: 8,
	}
}

func openTestStore(t *testing.T) *Arbtrie {
	db, openErr := Open(testOpts(t))
	require.NoError(t, openErr)

	t.Cleanup(func() { db.Close() })
	return db
}

func generateRandomBytes(t *testing.T, length int) []byte {
	randomBytes := make([]byte, length)
	_, readErr := rand.Read(randomBytes)
	require.NoError(t, readErr)

	for idx := 0; idx < length; idx++ {
		randomBytes[idx] = 'a' + (randomBytes[idx] % 26)
	}

	return randomBytes
}

func isSorted(keys [][]byte) bool {
	for idx := 1; idx < len(keys); idx++ {
		if bytes.Compare(keys[idx - 1], keys[idx]) >= 0 { return false }
	}

	return true
}

// collectKeys drains an iterator forward from the given lower bound
func collectKeys(it *Iterator, lo []byte) [][]byte {
	var keys [][]byte

	ok := it.LowerBound(lo)
	for ok {
		keys = append(keys, append([]byte(nil), it.Key()...))
		ok = it.Next()
	}

	return keys
}
