package tuya

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"fmt"

	"github.com/technosupport/homeguard/internal/model"
)

// udpKey decrypts the discovery broadcasts every device sends on port 6667.
var udpKey = func() []byte {
	sum := md5.Sum([]byte("yGAdlopoPVldABfn"))
	return sum[:]
}()

// ecb is AES in electronic codebook mode, which is what the devices use.
type ecb struct {
	block cipher.Block
}

func newECB(key []byte) (*ecb, error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aes key: %v", model.ErrConfigurationInvalid, err)
	}
	return &ecb{block: b}, nil
}

func (e *ecb) encrypt(plain []byte, pad bool) []byte {
	if pad {
		plain = pkcs7Pad(plain, aes.BlockSize)
	}
	out := make([]byte, len(plain))
	for i := 0; i+aes.BlockSize <= len(plain); i += aes.BlockSize {
		e.block.Encrypt(out[i:i+aes.BlockSize], plain[i:i+aes.BlockSize])
	}
	return out
}

func (e *ecb) decrypt(data []byte, unpad bool) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", model.ErrProtocolDecode, len(data), aes.BlockSize)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		e.block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	if !unpad {
		return out, nil
	}
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", model.ErrProtocolDecode)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding (wrong local key?)", model.ErrProtocolDecode)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding (wrong local key?)", model.ErrProtocolDecode)
		}
	}
	return b[:len(b)-n], nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// sessionKey derives the 3.4 session key from the two nonces.
func sessionKey(localKey, localNonce, remoteNonce []byte) ([]byte, error) {
	c, err := newECB(localKey)
	if err != nil {
		return nil, err
	}
	x := make([]byte, len(localNonce))
	for i := range x {
		x[i] = localNonce[i] ^ remoteNonce[i]
	}
	return c.encrypt(x, false), nil
}
