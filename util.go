package zab

import (
	cryrand "crypto/rand"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

func cryRand15B() string {
	var by [15]byte // 16 and 17 gets = signs. yuck.
	_, err := cryrand.Read(by[:])
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(by[:])
}

func blake3ToString33B(h *blake3.Hasher) string {
	by := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(by[:33])
}

func blake3OfBytesString(by []byte) string {
	h := blake3.New(64, nil)
	_, err := h.Write(by)
	panicOn(err)
	return blake3ToString33B(h)
}
