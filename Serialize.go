package arbtrie

import "encoding/binary"


//============================================= Arbtrie Serialization


// object header layout, 16 bytes at the start of every arena allocation:
//	0:4 payload size, 4:5 node type, 5:8 reserved, 8:16 owning id
const (
	objHdrSizeIdx = 0
	objHdrTypeIdx = 4
	objHdrIDIdx = 8
)

// objectHeader
//	The in-arena header preceding every node body. The owning id lets the compactor map bytes back
//	to their meta word during a linear segment scan.
type objectHeader struct {
	size uint32
	nodeType uint8
	id NodeID
}

// readObjectHeader
//	Decode the header at an absolute arena offset.
func readObjectHeader(m MMap, offset uint64) objectHeader {
	return objectHeader{
		size: binary.LittleEndian.Uint32(m[offset + objHdrSizeIdx:offset + objHdrSizeIdx + 4]),
		nodeType: m[offset + objHdrTypeIdx],
		id: NodeID(binary.LittleEndian.Uint64(m[offset + objHdrIDIdx:offset + objHdrIDIdx + 8])),
	}
}

// writeObjectHeader
//	Encode the header at an absolute arena offset. The reserved bytes are cleared so a linear scan
//	never sees stale garbage between objects.
func writeObjectHeader(m MMap, offset uint64, hdr objectHeader) {
	binary.LittleEndian.PutUint32(m[offset + objHdrSizeIdx:offset + objHdrSizeIdx + 4], hdr.size)
	m[offset + objHdrTypeIdx] = hdr.nodeType
	m[offset + 5] = 0
	m[offset + 6] = 0
	m[offset + 7] = 0
	binary.LittleEndian.PutUint64(m[offset + objHdrIDIdx:offset + objHdrIDIdx + 8], uint64(hdr.id))
}

// objectSpan
//	The full 8 aligned footprint of an object, header included.
func objectSpan(payloadSize uint32) uint64 {
	return align8(objectHeaderSize + uint64(payloadSize))
}


//============================================= Helper Functions for Serialize/Deserialize primitives


func putUint64(data []byte, offset int, val uint64) {
	binary.LittleEndian.PutUint64(data[offset:offset + 8], val)
}

func getUint64(data []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(data[offset:offset + 8])
}

func putUint32(data []byte, offset int, val uint32) {
	binary.LittleEndian.PutUint32(data[offset:offset + 4], val)
}

func getUint32(data []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(data[offset:offset + 4])
}

func putUint16(data []byte, offset int, val uint16) {
	binary.LittleEndian.PutUint16(data[offset:offset + 2], val)
}

func getUint16(data []byte, offset int) uint16 {
	return binary.LittleEndian.Uint16(data[offset:offset + 2])
}

// putID / getID store node ids in node bodies; bodies are byte encoded, never cast
func putID(data []byte, offset int, id NodeID) {
	binary.LittleEndian.PutUint64(data[offset:offset + 8], uint64(id))
}

func getID(data []byte, offset int) NodeID {
	return NodeID(binary.LittleEndian.Uint64(data[offset:offset + 8]))
}
