// Package tuya speaks the local LAN protocol of Tuya based hubs, versions
// 3.3 and 3.4. Messages travel in 55AA frames over TCP port 6668; payloads
// are AES-128-ECB encrypted with the device local key (3.3) or a session key
// negotiated at connect time (3.4).
package tuya

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/technosupport/homeguard/internal/model"
)

const (
	prefix55AA uint32 = 0x000055AA
	suffix55AA uint32 = 0x0000AA55

	headerLen = 16
	// maxFrame bounds the length field; real hubs send well under 4 KiB.
	maxFrame = 64 << 10
)

// Command codes.
const (
	CmdSessKeyNegStart  uint32 = 3
	CmdSessKeyNegResp   uint32 = 4
	CmdSessKeyNegFinish uint32 = 5
	CmdControl          uint32 = 7
	CmdStatus           uint32 = 8
	CmdHeartBeat        uint32 = 9
	CmdDPQuery          uint32 = 10
	CmdControlNew       uint32 = 13
	CmdDPQueryNew       uint32 = 16
	CmdUpdateDPS        uint32 = 18
	CmdUDPNew           uint32 = 19
)

var (
	errBadPrefix   = errors.New("bad frame prefix")
	errBadSuffix   = errors.New("bad frame suffix")
	errBadChecksum = errors.New("frame checksum mismatch")
)

// Message is one decoded 55AA frame. Payload is still encrypted.
type Message struct {
	Seq        uint32
	Cmd        uint32
	Retcode    uint32
	HasRetcode bool
	Payload    []byte
}

func trailerLen(hmacKey []byte) int {
	if hmacKey != nil {
		return sha256.Size + 4
	}
	return 4 + 4
}

// Pack encodes m. With a non-nil hmacKey the frame carries an HMAC-SHA256
// (3.4), otherwise a CRC32 (3.3).
func Pack(m Message, hmacKey []byte) []byte {
	body := m.Payload
	if m.HasRetcode {
		body = make([]byte, 4+len(m.Payload))
		binary.BigEndian.PutUint32(body, m.Retcode)
		copy(body[4:], m.Payload)
	}

	out := make([]byte, headerLen, headerLen+len(body)+trailerLen(hmacKey))
	binary.BigEndian.PutUint32(out[0:], prefix55AA)
	binary.BigEndian.PutUint32(out[4:], m.Seq)
	binary.BigEndian.PutUint32(out[8:], m.Cmd)
	binary.BigEndian.PutUint32(out[12:], uint32(len(body)+trailerLen(hmacKey)))
	out = append(out, body...)

	if hmacKey != nil {
		mac := hmac.New(sha256.New, hmacKey)
		mac.Write(out)
		out = mac.Sum(out)
	} else {
		out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	}
	return binary.BigEndian.AppendUint32(out, suffix55AA)
}

// ReadMessage reads one frame from r and verifies its checksum.
func ReadMessage(r io.Reader, hmacKey []byte) (Message, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Message{}, err
	}
	if binary.BigEndian.Uint32(hdr) != prefix55AA {
		return Message{}, fmt.Errorf("%w: %w %08x", model.ErrProtocolDecode, errBadPrefix, binary.BigEndian.Uint32(hdr))
	}
	n := binary.BigEndian.Uint32(hdr[12:])
	if n < uint32(trailerLen(hmacKey)) || n > maxFrame {
		return Message{}, fmt.Errorf("%w: frame length %d out of range", model.ErrProtocolDecode, n)
	}
	rest := make([]byte, n)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Message{}, err
	}
	return Unpack(append(hdr, rest...), hmacKey)
}

// Unpack decodes a complete frame held in data.
func Unpack(data []byte, hmacKey []byte) (Message, error) {
	tl := trailerLen(hmacKey)
	if len(data) < headerLen+tl {
		return Message{}, fmt.Errorf("%w: short frame (%d bytes)", model.ErrProtocolDecode, len(data))
	}
	if binary.BigEndian.Uint32(data) != prefix55AA {
		return Message{}, fmt.Errorf("%w: %w", model.ErrProtocolDecode, errBadPrefix)
	}
	n := int(binary.BigEndian.Uint32(data[12:]))
	if n < tl || headerLen+n > len(data) {
		return Message{}, fmt.Errorf("%w: frame length %d does not match %d bytes", model.ErrProtocolDecode, n, len(data))
	}
	data = data[:headerLen+n]
	if binary.BigEndian.Uint32(data[len(data)-4:]) != suffix55AA {
		return Message{}, fmt.Errorf("%w: %w", model.ErrProtocolDecode, errBadSuffix)
	}

	bodyEnd := len(data) - tl
	signed := data[:bodyEnd]
	sum := data[bodyEnd : len(data)-4]
	if hmacKey != nil {
		mac := hmac.New(sha256.New, hmacKey)
		mac.Write(signed)
		if !hmac.Equal(mac.Sum(nil), sum) {
			return Message{}, fmt.Errorf("%w: %w (hmac)", model.ErrProtocolDecode, errBadChecksum)
		}
	} else if crc32.ChecksumIEEE(signed) != binary.BigEndian.Uint32(sum) {
		return Message{}, fmt.Errorf("%w: %w (crc)", model.ErrProtocolDecode, errBadChecksum)
	}

	m := Message{
		Seq: binary.BigEndian.Uint32(data[4:]),
		Cmd: binary.BigEndian.Uint32(data[8:]),
	}
	body := data[headerLen:bodyEnd]
	// Device replies lead with a 4 byte return code. Payloads never start
	// with three zero bytes, which is how the two are told apart.
	if len(body) >= 4 && binary.BigEndian.Uint32(body)&0xFFFFFF00 == 0 {
		m.Retcode = binary.BigEndian.Uint32(body)
		m.HasRetcode = true
		body = body[4:]
	}
	m.Payload = append([]byte(nil), body...)
	return m, nil
}
