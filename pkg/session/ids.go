package session

import (
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns "<prefix>_<unix-ms base36>_<random>". Ids are time-ordered
// within a millisecond's resolution and not checked for collisions.
func NewID(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	suffix, err := gonanoid.Generate(idAlphabet, 10)
	if err != nil {
		suffix = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return prefix + "_" + ts + "_" + suffix
}

func now() time.Time {
	return time.Now().UTC()
}

func timePtr(t time.Time) *time.Time {
	return &t
}
