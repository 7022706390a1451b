package arbtrie

import "os"
import "path/filepath"
import "testing"

import "github.com/stretchr/testify/require"


func TestMMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmaptest")

	file, openErr := os.OpenFile(path, os.O_RDWR | os.O_CREATE, 0600)
	require.NoError(t, openErr)
	defer file.Close()

	require.NoError(t, file.Truncate(int64(DefaultPageSize) * 4))

	t.Run("Writes Through The Mapping Reach The File", func(t *testing.T) {
		mMap, mapErr := Map(file, RDWR)
		require.NoError(t, mapErr)

		copy(mMap[100:], []byte("hello mapping"))
		require.NoError(t, mMap.Flush())
		require.NoError(t, mMap.Unmap())

		raw := make([]byte, 13)
		_, readErr := file.ReadAt(raw, 100)
		require.NoError(t, readErr)
		require.Equal(t, []byte("hello mapping"), raw)
	})

	t.Run("Remap After Growth Sees Old Bytes", func(t *testing.T) {
		require.NoError(t, file.Truncate(int64(DefaultPageSize) * 8))

		mMap, mapErr := Map(file, RDWR)
		require.NoError(t, mapErr)
		defer mMap.Unmap()

		require.Equal(t, DefaultPageSize * 8, len(mMap))
		require.Equal(t, []byte("hello mapping"), []byte(mMap[100:113]))
	})

	t.Run("Growable Mapping Retires Old Views", func(t *testing.T) {
		growPath := filepath.Join(t.TempDir(), "growable")

		growFile, growErr := os.OpenFile(growPath, os.O_RDWR | os.O_CREATE, 0600)
		require.NoError(t, growErr)

		require.NoError(t, growFile.Truncate(int64(DefaultPageSize)))

		mp, mpErr := openMapping(growFile)
		require.NoError(t, mpErr)

		old := mp.view()
		copy(old[0:], []byte("stable"))

		require.NoError(t, mp.grow(uint64(DefaultPageSize) * 4))
		require.Equal(t, uint64(DefaultPageSize) * 4, mp.size())

		// the old view stays readable and coherent with the new one
		require.Equal(t, []byte("stable"), []byte(old[0:6]))
		require.Equal(t, []byte("stable"), []byte(mp.view()[0:6]))

		copy(mp.view()[0:], []byte("update"))
		require.Equal(t, []byte("update"), []byte(old[0:6]))

		require.NoError(t, mp.close())
	})

	t.Run("Advise Calls Succeed", func(t *testing.T) {
		mMap, mapErr := Map(file, RDWR)
		require.NoError(t, mapErr)
		defer mMap.Unmap()

		require.NoError(t, mMap.AdviseSequential())
		require.NoError(t, mMap.AdviseDontNeed())
	})
}
