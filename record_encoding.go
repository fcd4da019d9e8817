package upscaledb

import "encoding/binary"

// 8字节record槽的编码. 三种小尺寸直接内联:
// empty(0字节), tiny(1..7字节, 长度放在最高字节), small(恰好8字节).
// 更大的record进blob, 槽里放blob id
func encodeRecordField(field []byte, flags uint8, data []byte, bm *blobManager) (uint8, error) {
	flags &^= keyFlagBlobSizeTiny | keyFlagBlobSizeSmall | keyFlagBlobSizeEmpty
	switch {
	case len(data) == 0:
		clear(field[:8])
		return flags | keyFlagBlobSizeEmpty, nil
	case len(data) < 8:
		clear(field[:8])
		copy(field[:7], data)
		field[7] = uint8(len(data))
		return flags | keyFlagBlobSizeTiny, nil
	case len(data) == 8:
		copy(field[:8], data)
		return flags | keyFlagBlobSizeSmall, nil
	default:
		blobId, err := bm.put(data)
		if err != nil {
			return flags, err
		}
		binary.LittleEndian.PutUint64(field, blobId)
		return flags, nil
	}
}

func decodeRecordField(field []byte, flags uint8, bm *blobManager) ([]byte, error) {
	switch {
	case flags&keyFlagBlobSizeEmpty != 0:
		return []byte{}, nil
	case flags&keyFlagBlobSizeTiny != 0:
		n := int(field[7])
		res := make([]byte, n)
		copy(res, field[:n])
		return res, nil
	case flags&keyFlagBlobSizeSmall != 0:
		res := make([]byte, 8)
		copy(res, field[:8])
		return res, nil
	default:
		return bm.get(binary.LittleEndian.Uint64(field))
	}
}

func freeRecordField(field []byte, flags uint8, bm *blobManager) error {
	if flags&(keyFlagBlobSizeTiny|keyFlagBlobSizeSmall|keyFlagBlobSizeEmpty) != 0 {
		return nil
	}
	blobId := binary.LittleEndian.Uint64(field)
	if blobId == 0 {
		return nil
	}
	return bm.free(blobId)
}
