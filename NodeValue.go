package arbtrie


//============================================= Arbtrie Value Node


// value node layout:
//	0:4 value length, 4:5 flags, 5:8 pad, 8: value bytes, or an 8 byte subtree root id
const (
	valueLenIdx = 0
	valueFlagsIdx = 4
	valueDataIdx = 8
)

const valueFlagSubtree = uint8(1)

// valueNode
//	A terminal storing either a byte string or the root id of a nested trie.
type valueNode struct {
	body []byte
}

func valueNodeSize(valLen int) uint32 {
	return uint32(valueDataIdx + valLen)
}

func valueSubtreeSize() uint32 {
	return uint32(valueDataIdx + 8)
}

func initValueBytes(body []byte, val []byte) {
	putUint32(body, valueLenIdx, uint32(len(val)))
	body[valueFlagsIdx] = 0
	body[valueFlagsIdx + 1] = 0
	body[valueFlagsIdx + 2] = 0
	body[valueFlagsIdx + 3] = 0
	copy(body[valueDataIdx:], val)
}

func initValueSubtree(body []byte, root NodeID) {
	putUint32(body, valueLenIdx, 8)
	body[valueFlagsIdx] = valueFlagSubtree
	body[valueFlagsIdx + 1] = 0
	body[valueFlagsIdx + 2] = 0
	body[valueFlagsIdx + 3] = 0
	putID(body, valueDataIdx, root)
}

func (vn valueNode) isSubtree() bool {
	return vn.body[valueFlagsIdx] & valueFlagSubtree != 0
}

func (vn valueNode) bytes() []byte {
	valLen := int(getUint32(vn.body, valueLenIdx))
	return vn.body[valueDataIdx:valueDataIdx + valLen]
}

func (vn valueNode) subtree() NodeID {
	return getID(vn.body, valueDataIdx)
}
