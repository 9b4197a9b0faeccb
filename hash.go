package fsimage

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	. "github.com/stevegt/goadapt"
	"github.com/zeebo/blake3"
)

// NewHash returns a fresh hash for algo.
func NewHash(algo string) (h hash.Hash, err error) {
	switch algo {
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	case "blake3":
		h = blake3.New()
	default:
		err = fmt.Errorf("not implemented: %s", algo)
	}
	return
}

// Hash reads rd to EOF and returns the binary digest.
func Hash(algo string, rd io.Reader) (binhash []byte, err error) {
	defer Return(&err)
	h, err := NewHash(algo)
	Ck(err)
	_, err = io.Copy(h, rd)
	Ck(err)
	return h.Sum(nil), nil
}

// HashFile returns the hex digest of the file at fn.
func HashFile(algo, fn string) (hexhash string, err error) {
	defer Return(&err)
	fh, err := os.Open(fn)
	Ck(err)
	defer fh.Close()
	binhash, err := Hash(algo, fh)
	Ck(err)
	return bin2hex(binhash), nil
}

// ParseHash splits an "algo:hex" string.
func ParseHash(s string) (algo, hexhash string, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		err = fmt.Errorf("malformed hash, want algo:hex: %q", s)
		return
	}
	_, err = NewHash(parts[0])
	if err != nil {
		return
	}
	return parts[0], strings.ToLower(parts[1]), nil
}

// HashMismatchError is returned by VerifyFile.
type HashMismatchError struct {
	Path   string
	Expect string
	Got    string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%s failed hash validation: expected %s, got %s", e.Path, e.Expect, e.Got)
}

// VerifyFile checks fn against an "algo:hex" string.
func VerifyFile(fn, algohash string) (err error) {
	algo, expect, err := ParseHash(algohash)
	if err != nil {
		return
	}
	got, err := HashFile(algo, fn)
	if err != nil {
		return
	}
	if got != expect {
		return &HashMismatchError{Path: fn, Expect: algohash, Got: algo + ":" + got}
	}
	return
}

func bin2hex(buf []byte) string {
	return hex.EncodeToString(buf)
}
