// Package repository implements the session and presence stores, in memory
// and on Redis.
package repository

import (
	"github.com/okian/reelpulse/internal/domain/presence"
	"github.com/okian/reelpulse/internal/domain/session"
)

// Redis key layout.
const (
	sessionKeyPrefix  = "session:"
	presenceKeyPrefix = "presence:film:"
	presenceFilmsKey  = "presence:films"
)

func sessionKey(id string) string    { return sessionKeyPrefix + id }
func presenceKey(film string) string { return presenceKeyPrefix + film }

var (
	_ session.Store  = (*MemorySessionStore)(nil)
	_ session.Store  = (*RedisSessionStore)(nil)
	_ presence.Store = (*MemoryPresenceStore)(nil)
	_ presence.Store = (*RedisPresenceStore)(nil)
)
