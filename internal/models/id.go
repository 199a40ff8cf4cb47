package models

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewID returns a short unique identifier such as "evt_2Fp9...".
func NewID(prefix string) string {
	u := uuid.New()
	id := base62.EncodeToString(u[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
