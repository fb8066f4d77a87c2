package core

import (
	"strings"

	"github.com/google/uuid"
)

var brokerUnsafe = strings.NewReplacer(".", "_", "*", "_", "#", "_", " ", "_")

// BrokerSafeID replaces characters that carry meaning in routing patterns.
func BrokerSafeID(id string) string {
	return brokerUnsafe.Replace(id)
}

// UniqueID returns a new execution scoped identifier prefixed with prefix.
func UniqueID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return BrokerSafeID(prefix) + "_" + raw[:12]
}
