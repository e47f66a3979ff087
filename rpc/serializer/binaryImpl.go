package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dBoard/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
//
// Layout: MsgType (1 byte) | flags (2 bytes) | present fields in flag order.
// Strings and byte slices are prefixed with a 4 byte length, integers use 8 bytes.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasAddress        uint16 = 1 << 0
	hasID             uint16 = 1 << 1
	hasPreviousServer uint16 = 1 << 2
	hasRecords        uint16 = 1 << 3
	hasQueryID        uint16 = 1 << 4
	hasCount          uint16 = 1 << 5
	hasOk             uint16 = 1 << 6
	hasErr            uint16 = 1 << 7
	hasMeta           uint16 = 1 << 8
)

const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, b.sizeBytes(msg))
	result[0] = byte(msg.MsgType)

	var flags uint16
	pos := headerSize

	if msg.Address != "" {
		flags |= hasAddress
		pos = putString(result, pos, msg.Address)
	}
	if msg.ID != 0 {
		flags |= hasID
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.ID))
		pos += 8
	}
	if msg.PreviousServer != "" {
		flags |= hasPreviousServer
		pos = putString(result, pos, msg.PreviousServer)
	}
	if len(msg.Records) > 0 {
		flags |= hasRecords
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Records)))
		pos += 4
		for _, record := range msg.Records {
			pos = putString(result, pos, record)
		}
	}
	if msg.QueryID != "" {
		flags |= hasQueryID
		pos = putString(result, pos, msg.QueryID)
	}
	if msg.Count != 0 {
		flags |= hasCount
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.Count))
		pos += 8
	}
	if msg.Ok {
		flags |= hasOk
		result[pos] = 1
		pos += 1
	}
	if msg.Err != "" {
		flags |= hasErr
		pos = putString(result, pos, msg.Err)
	}
	// Meta keeps the difference between nil and empty
	if msg.Meta != nil {
		flags |= hasMeta
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Meta)))
		pos += 4
		copy(result[pos:], msg.Meta)
	}

	binary.BigEndian.PutUint16(result[1:headerSize], flags)
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:headerSize])
	r := reader{data: data, pos: headerSize}

	if flags&hasAddress != 0 {
		msg.Address = r.string("address")
	}
	if flags&hasID != 0 {
		msg.ID = r.int64("id")
	}
	if flags&hasPreviousServer != 0 {
		msg.PreviousServer = r.string("previous server")
	}
	if flags&hasRecords != 0 {
		n := r.uint32("record count")
		// every record needs at least its length prefix
		if r.err == nil && int(n) > (len(data)-r.pos)/4 {
			r.err = fmt.Errorf("data too short for %d records", n)
		}
		if r.err == nil {
			msg.Records = make([]string, n)
			for i := range msg.Records {
				msg.Records[i] = r.string("record")
			}
		}
	}
	if flags&hasQueryID != 0 {
		msg.QueryID = r.string("query id")
	}
	if flags&hasCount != 0 {
		msg.Count = r.int64("count")
	}
	if flags&hasOk != 0 {
		msg.Ok = r.byte("ok flag") != 0
	}
	if flags&hasErr != 0 {
		msg.Err = r.string("error")
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.bytes("meta")
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	if msg.Address != "" {
		size += 4 + len(msg.Address)
	}
	if msg.ID != 0 {
		size += 8
	}
	if msg.PreviousServer != "" {
		size += 4 + len(msg.PreviousServer)
	}
	if len(msg.Records) > 0 {
		size += 4
		for _, record := range msg.Records {
			size += 4 + len(record)
		}
	}
	if msg.QueryID != "" {
		size += 4 + len(msg.QueryID)
	}
	if msg.Count != 0 {
		size += 8
	}
	if msg.Ok {
		size += 1
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}

// putString writes a length prefixed string at pos and returns the new position
func putString(buf []byte, pos int, s string) int {
	binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(s)))
	pos += 4
	copy(buf[pos:], s)
	return pos + len(s)
}

// reader decodes fields from data, after the first error all reads are no-ops
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *reader) byte(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) uint32(field string) uint32 {
	if !r.need(4, field+" length") {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *reader) int64(field string) int64 {
	if !r.need(8, field) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.data[r.pos : r.pos+8]))
	r.pos += 8
	return v
}

func (r *reader) string(field string) string {
	n := int(r.uint32(field))
	if !r.need(n, field+" data") {
		return ""
	}
	v := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return v
}

// bytes returns a copy, an empty slice (not nil) if the length is 0
func (r *reader) bytes(field string) []byte {
	n := int(r.uint32(field))
	if !r.need(n, field+" data") {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.data[r.pos:r.pos+n])
	r.pos += n
	return v
}
