package arbtrie

import "bytes"
import "sort"


//============================================= Arbtrie Binary Node


// binary node layout:
//	0:2 numEntries, 2:4 capEntries, 4:8 dataUsed, 8:12 dataCap
//	12:12+cap entry hashes, one byte per slot
//	12+cap:12+3cap entry offsets, uint16 per slot, kept in ascending key order
//	12+3cap: entry heap of dataCap bytes, append only within the node
//	entry encoding in the heap: keyLen uint16, flag uint8, storedLen uint16, key bytes, stored bytes
//	where stored is the inline value for entryInline and an 8 byte id otherwise
const (
	binNumEntriesIdx = 0
	binCapEntriesIdx = 2
	binDataUsedIdx = 4
	binDataCapIdx = 8
	binHashesIdx = 12
	binEntryHeadSize = 5
)

// binaryNode
//	A sorted bucket of (key suffix, value) entries, the default ingestion shape and the terminal
//	leaf of the trie. A one byte hash per entry rejects most non-matching keys without comparing.
type binaryNode struct {
	body []byte
}

func binarySize(capEntries int, dataCap int) uint32 {
	return uint32(binHashesIdx + capEntries * 3 + dataCap)
}

// binaryEntrySpan
//	Heap bytes one entry occupies.
func binaryEntrySpan(keyLen, storedLen int) int {
	return binEntryHeadSize + keyLen + storedLen
}

func initBinary(body []byte, capEntries int, dataCap int) {
	putUint16(body, binNumEntriesIdx, 0)
	putUint16(body, binCapEntriesIdx, uint16(capEntries))
	putUint32(body, binDataUsedIdx, 0)
	putUint32(body, binDataCapIdx, uint32(dataCap))
}

func (bn binaryNode) numEntries() int {
	return int(getUint16(bn.body, binNumEntriesIdx))
}

func (bn binaryNode) setNumEntries(n int) {
	putUint16(bn.body, binNumEntriesIdx, uint16(n))
}

func (bn binaryNode) capEntries() int {
	return int(getUint16(bn.body, binCapEntriesIdx))
}

func (bn binaryNode) dataUsed() int {
	return int(getUint32(bn.body, binDataUsedIdx))
}

func (bn binaryNode) setDataUsed(n int) {
	putUint32(bn.body, binDataUsedIdx, uint32(n))
}

func (bn binaryNode) dataCap() int {
	return int(getUint32(bn.body, binDataCapIdx))
}

func (bn binaryNode) offsetsIdx() int {
	return binHashesIdx + bn.capEntries()
}

func (bn binaryNode) heapIdx() int {
	return binHashesIdx + bn.capEntries() * 3
}

func (bn binaryNode) hashAt(idx int) uint8 {
	return bn.body[binHashesIdx + idx]
}

func (bn binaryNode) setHashAt(idx int, hash uint8) {
	bn.body[binHashesIdx + idx] = hash
}

func (bn binaryNode) entryOff(idx int) int {
	return int(getUint16(bn.body, bn.offsetsIdx() + idx * 2))
}

func (bn binaryNode) setEntryOff(idx int, off int) {
	putUint16(bn.body, bn.offsetsIdx() + idx * 2, uint16(off))
}

func (bn binaryNode) entryKey(idx int) []byte {
	heap := bn.heapIdx()
	off := heap + bn.entryOff(idx)
	keyLen := int(getUint16(bn.body, off))

	return bn.body[off + binEntryHeadSize:off + binEntryHeadSize + keyLen]
}

func (bn binaryNode) entryFlag(idx int) uint8 {
	return bn.body[bn.heapIdx() + bn.entryOff(idx) + 2]
}

func (bn binaryNode) setEntryFlag(idx int, flag uint8) {
	bn.body[bn.heapIdx() + bn.entryOff(idx) + 2] = flag
}

func (bn binaryNode) entryStoredLen(idx int) int {
	return int(getUint16(bn.body, bn.heapIdx() + bn.entryOff(idx) + 3))
}

func (bn binaryNode) setEntryStoredLen(idx int, storedLen int) {
	putUint16(bn.body, bn.heapIdx() + bn.entryOff(idx) + 3, uint16(storedLen))
}

func (bn binaryNode) entryStored(idx int) []byte {
	heap := bn.heapIdx()
	off := heap + bn.entryOff(idx)
	keyLen := int(getUint16(bn.body, off))
	storedLen := int(getUint16(bn.body, off + 3))

	return bn.body[off + binEntryHeadSize + keyLen:off + binEntryHeadSize + keyLen + storedLen]
}

func (bn binaryNode) entryID(idx int) NodeID {
	return getID(bn.entryStored(idx), 0)
}

// lowerBound
//	The position of the smallest entry key >= key and whether it is an exact match.
func (bn binaryNode) lowerBound(key []byte) (int, bool) {
	n := bn.numEntries()

	pos := sort.Search(n, func(idx int) bool {
		return bytes.Compare(bn.entryKey(idx), key) >= 0
	})

	if pos < n && bytes.Equal(bn.entryKey(pos), key) { return pos, true }
	return pos, false
}

// find
//	Hash filtered scan for an exact key; buckets are small so the filter skips nearly every
//	non-matching entry without touching its bytes.
func (bn binaryNode) find(key []byte) (int, bool) {
	hash := keySuffixHash(key)
	n := bn.numEntries()

	for idx := 0; idx < n; idx++ {
		if bn.hashAt(idx) != hash { continue }
		if bytes.Equal(bn.entryKey(idx), key) { return idx, true }
	}

	return 0, false
}

// canInsert
//	Whether a slot and heap space are available for a new entry.
func (bn binaryNode) canInsert(keyLen, storedLen int) bool {
	if bn.numEntries() >= bn.capEntries() { return false }
	return bn.dataUsed() + binaryEntrySpan(keyLen, storedLen) <= bn.dataCap()
}

// insertEntry
//	Place a new entry at sorted position idx. Mutable, only under refcount 1.
func (bn binaryNode) insertEntry(idx int, key []byte, flag uint8, stored []byte) {
	n := bn.numEntries()
	used := bn.dataUsed()
	heap := bn.heapIdx()

	off := heap + used
	putUint16(bn.body, off, uint16(len(key)))
	bn.body[off + 2] = flag
	putUint16(bn.body, off + 3, uint16(len(stored)))
	copy(bn.body[off + binEntryHeadSize:], key)
	copy(bn.body[off + binEntryHeadSize + len(key):], stored)

	offsetsBase := bn.offsetsIdx()
	copy(bn.body[binHashesIdx + idx + 1:binHashesIdx + n + 1], bn.body[binHashesIdx + idx:binHashesIdx + n])
	copy(bn.body[offsetsBase + (idx + 1) * 2:offsetsBase + (n + 1) * 2], bn.body[offsetsBase + idx * 2:offsetsBase + n * 2])

	bn.setHashAt(idx, keySuffixHash(key))
	bn.setEntryOff(idx, used)
	bn.setDataUsed(used + binaryEntrySpan(len(key), len(stored)))
	bn.setNumEntries(n + 1)
}

// removeEntry
//	Drop the entry at idx. The heap bytes are abandoned inside the node; a later clone compacts.
func (bn binaryNode) removeEntry(idx int) {
	n := bn.numEntries()
	offsetsBase := bn.offsetsIdx()

	copy(bn.body[binHashesIdx + idx:binHashesIdx + n - 1], bn.body[binHashesIdx + idx + 1:binHashesIdx + n])
	copy(bn.body[offsetsBase + idx * 2:offsetsBase + (n - 1) * 2], bn.body[offsetsBase + (idx + 1) * 2:offsetsBase + n * 2])

	bn.setNumEntries(n - 1)
}

// replaceStored
//	Rewrite the stored payload of an existing entry in place.
//	Payloads of equal or smaller size overwrite the entry's stored bytes; larger payloads append a
//	fresh copy of the entry when the heap has slack. Returns false when neither fits.
func (bn binaryNode) replaceStored(idx int, flag uint8, stored []byte) bool {
	if len(stored) <= bn.entryStoredLen(idx) {
		heap := bn.heapIdx()
		off := heap + bn.entryOff(idx)
		keyLen := int(getUint16(bn.body, off))

		copy(bn.body[off + binEntryHeadSize + keyLen:], stored)
		bn.setEntryStoredLen(idx, len(stored))
		bn.setEntryFlag(idx, flag)

		return true
	}

	key := bn.entryKey(idx)
	span := binaryEntrySpan(len(key), len(stored))
	used := bn.dataUsed()
	if used + span > bn.dataCap() { return false }

	heap := bn.heapIdx()
	off := heap + used
	putUint16(bn.body, off, uint16(len(key)))
	bn.body[off + 2] = flag
	putUint16(bn.body, off + 3, uint16(len(stored)))
	copy(bn.body[off + binEntryHeadSize:], key)
	copy(bn.body[off + binEntryHeadSize + len(key):], stored)

	bn.setEntryOff(idx, used)
	bn.setDataUsed(used + span)

	return true
}

// liveDataBytes
//	Heap bytes referenced by live entries; a clone shrinks the heap to this.
func (bn binaryNode) liveDataBytes() int {
	total := 0
	for idx := 0; idx < bn.numEntries(); idx++ {
		total += binaryEntrySpan(len(bn.entryKey(idx)), bn.entryStoredLen(idx))
	}

	return total
}

// insertRequiresRefactor
//	Whether growing to hold one more entry of the given shape would push the bucket past the
//	maximum binary node footprint, forcing conversion to an inner node.
func (bn binaryNode) insertRequiresRefactor(keyLen, storedLen int) bool {
	if bn.numEntries() + 1 > MaxBinaryNodeEntries { return true }
	return bn.liveDataBytes() + binaryEntrySpan(keyLen, storedLen) > MaxBinaryNodeSize
}
