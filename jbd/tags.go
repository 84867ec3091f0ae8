package jbd

import (
	"encoding/binary"
)

// tagInfo is one descriptor block tag, decoded or about to be encoded.
//
// Two quirks are preserved from the reference behavior rather than fixed:
//
//   - On decode, an ESCAPE tag reports Block 0, and replay applies a
//     block-0 tag as a filesystem superblock update. Linux JBD defines
//     ESCAPE only as "the payload's first word collided with the magic and
//     was zeroed"; conflating it with a superblock copy is a known
//     deviation, kept for compatibility with images produced by the same
//     lineage. The escaped first word is never restored.
//   - Tag checksums are parsed over but neither verified nor emitted.
type tagInfo struct {
	block uint64
	uuid  [16]byte
	// writeUUID marks a tag that carries its UUID inline; when false the
	// tag is encoded with SAME_UUID
	writeUUID bool
	escape    bool
	last      bool
}

// writeTag encodes t at the start of buf, zero-filling the tag area before
// setting any flag bits. Returns the encoded length, or errTagSpace when buf
// cannot hold the tag (and its UUID, when one is required).
func writeTag(buf []byte, sb *Superblock, t *tagInfo) (int, error) {
	size := sb.tagBytes()
	need := size
	if t.writeUUID {
		need += 16
	}
	if len(buf) < need {
		return 0, errTagSpace
	}
	for i := 0; i < need; i++ {
		buf[i] = 0
	}

	var flags uint16
	if t.escape {
		flags |= tagFlagEscape
	}
	if !t.writeUUID {
		flags |= tagFlagSameUUID
	}
	if t.last {
		flags |= tagFlagLast
	}

	if sb.hasIncompatFeature(FeatureIncompatCSumV3) {
		binary.BigEndian.PutUint32(buf[0x0:0x4], uint32(t.block&0xffffffff))
		binary.BigEndian.PutUint32(buf[0x4:0x8], uint32(t.block>>32))
		binary.BigEndian.PutUint32(buf[0x8:0xc], uint32(flags))
		// checksum at 0xc:0x10 stays zero
	} else {
		binary.BigEndian.PutUint32(buf[0x0:0x4], uint32(t.block&0xffffffff))
		// checksum at 0x4:0x6 stays zero
		binary.BigEndian.PutUint16(buf[0x6:0x8], flags)
		if sb.uses64Bit() {
			binary.BigEndian.PutUint32(buf[0x8:0xc], uint32(t.block>>32))
		}
	}
	if t.writeUUID {
		copy(buf[size:size+16], t.uuid[:])
	}
	return need, nil
}

// readTag decodes one tag from the start of buf. ok is false when buf is too
// short for the tag or its required UUID, which ends tag iteration.
func readTag(buf []byte, sb *Superblock) (t *tagInfo, n int, ok bool) {
	size := sb.tagBytes()
	if len(buf) < size {
		return nil, 0, false
	}
	t = &tagInfo{}
	var flags uint16
	if sb.hasIncompatFeature(FeatureIncompatCSumV3) {
		t.block = uint64(binary.BigEndian.Uint32(buf[0x0:0x4])) |
			uint64(binary.BigEndian.Uint32(buf[0x4:0x8]))<<32
		flags = uint16(binary.BigEndian.Uint32(buf[0x8:0xc]))
	} else {
		t.block = uint64(binary.BigEndian.Uint32(buf[0x0:0x4]))
		flags = binary.BigEndian.Uint16(buf[0x6:0x8])
		if sb.uses64Bit() {
			t.block |= uint64(binary.BigEndian.Uint32(buf[0x8:0xc])) << 32
		}
	}
	t.escape = flags&tagFlagEscape != 0
	t.last = flags&tagFlagLast != 0
	n = size
	if flags&tagFlagSameUUID == 0 {
		if len(buf) < size+16 {
			return nil, 0, false
		}
		copy(t.uuid[:], buf[size:size+16])
		t.writeUUID = true
		n += 16
	}
	if t.escape {
		// reference behavior: escaped tags report block 0
		t.block = 0
	}
	return t, n, true
}

// forEachTag walks the tags of a descriptor block payload (the bytes after
// the header), invoking visit per tag. Iteration stops at a LAST_TAG tag, on
// a short decode, or when the payload is exhausted. When a checksum feature
// is on, the block tail is reserved and never decoded as a tag. A non-nil
// error from visit aborts the walk and is returned.
func forEachTag(payload []byte, sb *Superblock, visit func(t *tagInfo) error) error {
	if sb.hasCSum() && len(payload) >= blockTailSize {
		payload = payload[:len(payload)-blockTailSize]
	}
	for len(payload) > 0 {
		t, n, ok := readTag(payload, sb)
		if !ok {
			return nil
		}
		if err := visit(t); err != nil {
			return err
		}
		if t.last {
			return nil
		}
		payload = payload[n:]
	}
	return nil
}
