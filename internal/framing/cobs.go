package framing

import "bytes"

const (
	// Terminator is the byte that ends every frame on the wire.
	Terminator byte = 0x00

	// maxBlock is the largest code byte value; a block with this code carries
	// 254 data bytes and no implicit zero.
	maxBlock = 0xFF
)

// MaxEncodedLen returns the worst-case encoded body length for an n byte
// message, not counting the terminator.
func MaxEncodedLen(n int) int {
	return n + n/(maxBlock-1) + 1
}

// AppendEncode appends the zero-free encoding of msg to dst and returns the
// extended slice. The terminator is not appended.
func AppendEncode(dst, msg []byte) []byte {
	codeIdx := len(dst)
	dst = append(dst, 0)
	code := byte(1)

	for i, b := range msg {
		if b != 0 {
			dst = append(dst, b)
			code++
		}
		if b == 0 || code == maxBlock {
			dst[codeIdx] = code
			// A full block that ends the input needs no empty trailer.
			if b != 0 && i == len(msg)-1 {
				return dst
			}
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// Encode returns the wire form of msg: the encoded body followed by a single
// Terminator byte.
func Encode(msg []byte) []byte {
	out := make([]byte, 0, MaxEncodedLen(len(msg))+1)
	out = AppendEncode(out, msg)
	return append(out, Terminator)
}

// Decode decodes an encoded body (without its terminator) into a new slice.
func Decode(body []byte) ([]byte, error) {
	buf := make([]byte, len(body))
	copy(buf, body)
	n, err := DecodeInPlace(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// DecodeInPlace decodes buf over itself and returns the decoded length. The
// encoded form is destroyed. On error the contents of buf are unspecified.
func DecodeInPlace(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, &FrameError{Err: ErrMalformedFrame, Size: 0, Reason: "empty frame"}
	}

	r, w := 0, 0
	for r < len(buf) {
		code := buf[r]
		if code == 0 {
			return 0, &FrameError{Err: ErrMalformedFrame, Size: len(buf), Reason: "zero code byte"}
		}
		r++

		n := int(code) - 1
		if r+n > len(buf) {
			return 0, &FrameError{Err: ErrMalformedFrame, Size: len(buf), Reason: "truncated block"}
		}
		if bytes.IndexByte(buf[r:r+n], 0) >= 0 {
			return 0, &FrameError{Err: ErrMalformedFrame, Size: len(buf), Reason: "zero inside block"}
		}

		// w trails r by at least one, so the overlapping copy moves data left.
		copy(buf[w:], buf[r:r+n])
		w += n
		r += n

		if code != maxBlock && r < len(buf) {
			buf[w] = 0
			w++
		}
	}
	return w, nil
}
