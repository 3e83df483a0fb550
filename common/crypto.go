package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/hex"
	"errors"
)

// Devices that advertise Appliance.Encrypt.* expect LAN payloads
// encrypted with AES-CBC. The key is derived from a slice of the device
// uuid, the session key and the device MAC; the IV is all zeros and the
// plaintext is padded with NUL bytes to the block size.

var encryptionIV = make([]byte, aes.BlockSize)

// DeriveDeviceKey derives the per-device AES key.
func DeriveDeviceKey(deviceUUID, userKey, mac string) ([]byte, error) {
	if len(deviceUUID) < 22 {
		return nil, errors.New("device uuid too short for key derivation")
	}
	sum := md5.Sum([]byte(deviceUUID[3:22] + userKey + mac))
	return []byte(hex.EncodeToString(sum[:])), nil
}

// EncryptPayload encrypts an outbound LAN payload for the device.
func EncryptPayload(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if pad := len(plaintext) % aes.BlockSize; pad != 0 {
		plaintext = append(plaintext, make([]byte, aes.BlockSize-pad)...)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, encryptionIV).CryptBlocks(out, plaintext)
	return out, nil
}

// DecryptPayload decrypts a LAN response. Callers strip the trailing
// NUL padding with TrimNulls before JSON parsing.
func DecryptPayload(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, encryptionIV).CryptBlocks(out, ciphertext)
	return out, nil
}
