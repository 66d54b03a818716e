package hsm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aead/cmac"
	"golang.org/x/crypto/pbkdf2"
)

// Secure channel parameters of the YubiHSM2 authentication keys.
const (
	scpKeySize       = 16
	scpChallengeSize = 8
	scpMACSize       = 8

	pbkdf2Salt       = "Yubico"
	pbkdf2Iterations = 10000
)

// Derivation constants of the session keys and cryptograms.
const (
	deriveCardCryptogram byte = 0x00
	deriveHostCryptogram byte = 0x01
	deriveSENC           byte = 0x04
	deriveSMAC           byte = 0x06
	deriveSRMAC          byte = 0x07
)

var errChannelMAC = errors.New("secure channel MAC mismatch")

// staticKeys are the long-term encryption and MAC keys of an auth key.
type staticKeys struct {
	enc []byte
	mac []byte
}

// passwordKeys derives the static keys of a password-derived auth key.
func passwordKeys(password string) staticKeys {
	k := pbkdf2.Key([]byte(password), []byte(pbkdf2Salt), pbkdf2Iterations, 2*scpKeySize, sha256.New)
	return staticKeys{enc: k[:scpKeySize], mac: k[scpKeySize:]}
}

func cmacSum(key []byte, parts ...[]byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	h, err := cmac.New(block)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil), nil
}

// derive is the counter mode KDF of the secure channel. bits is the
// output length.
func derive(key []byte, constant byte, context []byte, bits uint16) ([]byte, error) {
	data := make([]byte, 0, 16+len(context))
	data = append(data, make([]byte, 11)...)
	data = append(data, constant, 0x00)
	data = binary.BigEndian.AppendUint16(data, bits)
	data = append(data, 0x01)
	data = append(data, context...)
	out, err := cmacSum(key, data)
	if err != nil {
		return nil, err
	}
	return out[:bits/8], nil
}

// secureChannel holds the session keys and the chaining state of one
// authenticated session.
type secureChannel struct {
	enc, mac, rmac []byte
	context        []byte
	macChain       []byte
	counter        [aes.BlockSize]byte
}

// newSecureChannel derives the session keys from the static keys and the
// host and card challenges.
func newSecureChannel(keys staticKeys, hostChallenge, cardChallenge []byte) (*secureChannel, error) {
	c := &secureChannel{
		context:  append(bytes.Clone(hostChallenge), cardChallenge...),
		macChain: make([]byte, aes.BlockSize),
	}
	var err error
	if c.enc, err = derive(keys.enc, deriveSENC, c.context, 8*scpKeySize); err != nil {
		return nil, err
	}
	if c.mac, err = derive(keys.mac, deriveSMAC, c.context, 8*scpKeySize); err != nil {
		return nil, err
	}
	if c.rmac, err = derive(keys.mac, deriveSRMAC, c.context, 8*scpKeySize); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *secureChannel) cryptogram(constant byte) ([]byte, error) {
	return derive(c.mac, constant, c.context, 8*scpMACSize)
}

// start resets the message counter once the session is authenticated.
func (c *secureChannel) start() {
	c.counter = [aes.BlockSize]byte{}
	c.counter[aes.BlockSize-1] = 1
}

// next advances the message counter after a completed exchange.
func (c *secureChannel) next() {
	for i := len(c.counter) - 1; i >= 0; i-- {
		c.counter[i]++
		if c.counter[i] != 0 {
			return
		}
	}
}

func (c *secureChannel) iv() ([]byte, error) {
	block, err := aes.NewCipher(c.enc)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	block.Encrypt(iv, c.counter[:])
	return iv, nil
}

// encrypt pads and encrypts data under the current counter.
func (c *secureChannel) encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.enc)
	if err != nil {
		return nil, err
	}
	iv, err := c.iv()
	if err != nil {
		return nil, err
	}
	out := pad(data)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, out)
	return out, nil
}

// decrypt decrypts and unpads data under the current counter.
func (c *secureChannel) decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("secure channel: ciphertext of %d bytes", len(data))
	}
	block, err := aes.NewCipher(c.enc)
	if err != nil {
		return nil, err
	}
	iv, err := c.iv()
	if err != nil {
		return nil, err
	}
	out := bytes.Clone(data)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, out)
	return unpad(out)
}

// chainMAC authenticates a host message and advances the MAC chain.
func (c *secureChannel) chainMAC(msg []byte) ([]byte, error) {
	full, err := cmacSum(c.mac, c.macChain, msg)
	if err != nil {
		return nil, err
	}
	c.macChain = full
	return full[:scpMACSize], nil
}

// responseMAC authenticates a device message against the current chain.
func (c *secureChannel) responseMAC(msg []byte) ([]byte, error) {
	full, err := cmacSum(c.rmac, c.macChain, msg)
	if err != nil {
		return nil, err
	}
	return full[:scpMACSize], nil
}

func macEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// pad appends 0x80 and zeros up to the next block boundary.
func pad(data []byte) []byte {
	n := len(data) + 1
	if r := n % aes.BlockSize; r != 0 {
		n += aes.BlockSize - r
	}
	out := make([]byte, n)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpad(data []byte) ([]byte, error) {
	i := len(data) - 1
	for i >= 0 && data[i] == 0 {
		i--
	}
	if i < 0 || data[i] != 0x80 {
		return nil, errors.New("secure channel: bad padding")
	}
	return data[:i], nil
}
