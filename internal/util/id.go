package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// TempPrefix marks client-minted ids that the remote store has not confirmed.
const TempPrefix = "tmp"

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewTempID mints a time+random suffixed id for an optimistic insert.
func NewTempID() string {
	return newTempID(time.Now())
}

func newTempID(now time.Time) string {
	bytes := make([]byte, 4)
	_, _ = rand.Read(bytes)
	return TempPrefix + "_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + hex.EncodeToString(bytes)
}

// IsTempID is only for ids arriving from outside the engine (HTTP paths, Redis
// drafts); inside the engine script.Ref carries that information.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix+"_")
}
