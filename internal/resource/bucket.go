package resource

import (
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

// BucketCodec maps between plaintext bucket locations (e.g. "Users/alice/")
// and the opaque bucket ids that appear in resource URLs.
type BucketCodec interface {
	Encode(location string) (string, error)
	Decode(id string) (string, error)
}

// PlainBuckets encodes the location as unpadded URL-safe base64.
type PlainBuckets struct{}

func (PlainBuckets) Encode(location string) (string, error) {
	if err := validateLocation(location); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString([]byte(location)), nil
}

func (PlainBuckets) Decode(id string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const nonceSize = 24

// SealedBuckets encrypts bucket locations with secretbox. The nonce is a keyed
// digest of the location, so a location always maps to the same id.
type SealedBuckets struct {
	key      [32]byte
	nonceKey [32]byte
}

// NewSealedBuckets derives the sealing keys from secret.
func NewSealedBuckets(secret string) (*SealedBuckets, error) {
	if secret == "" {
		return nil, errors.New("bucket secret is empty")
	}
	s := &SealedBuckets{
		key:      blake2b.Sum256([]byte("seal:" + secret)),
		nonceKey: blake2b.Sum256([]byte("nonce:" + secret)),
	}
	return s, nil
}

func (s *SealedBuckets) Encode(location string) (string, error) {
	if err := validateLocation(location); err != nil {
		return "", err
	}
	h, err := blake2b.New(nonceSize, s.nonceKey[:])
	if err != nil {
		return "", err
	}
	h.Write([]byte(location))
	var nonce [nonceSize]byte
	copy(nonce[:], h.Sum(nil))

	box := secretbox.Seal(nonce[:], []byte(location), &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

func (s *SealedBuckets) Decode(id string) (string, error) {
	box, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", err
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("bucket id too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errors.New("bucket id does not authenticate")
	}
	return string(plain), nil
}
