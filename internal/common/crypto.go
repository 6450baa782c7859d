package common

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// KeyLen is the size of the shared key the AEAD codecs take.
const KeyLen = 32

func CryptoRandRead(buf []byte) {
	RandRead(rand.Reader, buf)
}

func backoff(f func() error) {
	err := f()
	if err == nil {
		return
	}
	waitDur := [10]time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond, 50 * time.Millisecond,
		100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second,
		3 * time.Second, 5 * time.Second}
	for i := 0; i < 10; i++ {
		log.Errorf("Failed to get random: %v. Retrying...", err)
		err = f()
		if err == nil {
			return
		}
		time.Sleep(waitDur[i])
	}
	log.Fatal("Cannot get random after 10 retries")
}

func RandRead(randSource io.Reader, buf []byte) {
	backoff(func() error {
		_, err := io.ReadFull(randSource, buf)
		return err
	})
}

// GenerateKey returns a fresh shared key, base64 encoded the way it appears
// in configuration files.
func GenerateKey() string {
	key := make([]byte, KeyLen)
	CryptoRandRead(key)
	return base64.StdEncoding.EncodeToString(key)
}
