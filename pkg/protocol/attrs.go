package protocol

import (
	"encoding/binary"
	"fmt"
)

// Attribute ids observed in entity attribute collections. String
// attributes carry their own length-prefixed layout; everything else
// is a big-endian u32.
const (
	AttrName           = 0x01
	AttrMonsterID      = 0x0a
	AttrProfessionID   = 0xdc
	AttrLevel          = 0x2710
	AttrFightPoint     = 0x272e
	AttrRankLevel      = 0x274c
	AttrCurHP          = 0x2c2e
	AttrMaxHP          = 0x2c38
	AttrReductionLevel = 0x64696d
	AttrElementFlag    = 0x646d6c
	AttrReductionID    = 0x6f6c65
)

// DecodeAttrString decodes a string attribute blob:
// u32 little-endian length, 4 reserved bytes, UTF-8 payload, 4 reserved
// bytes. The trailing reserved bytes are not required to be present.
func DecodeAttrString(data []byte) (string, error) {
	if len(data) < 8 {
		return "", fmt.Errorf("string attribute too short: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	if n < 0 || len(data) < 8+n {
		return "", fmt.Errorf("string attribute length %d exceeds blob of %d bytes", n, len(data))
	}
	return string(data[8 : 8+n]), nil
}

// DecodeAttrUint32 decodes a numeric attribute payload.
func DecodeAttrUint32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("numeric attribute too short: %d bytes", len(data))
	}
	return binary.BigEndian.Uint32(data[0:4]), nil
}
