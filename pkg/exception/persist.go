package exception

import "github.com/yanun0323/errors"

var (
	ErrWALQueueFull       = errors.New("wal: queue full")
	ErrWALClosed          = errors.New("wal: writer closed")
	ErrWALNotStarted      = errors.New("wal: writer not started")
	ErrWALAlreadyStarted  = errors.New("wal: writer already started")
	ErrWALPayloadTooLarge = errors.New("wal: payload too large")
	ErrWALInvalidMagic    = errors.New("wal: invalid magic")
	ErrWALBadChecksum     = errors.New("wal: checksum mismatch")
	ErrWALBadHeader       = errors.New("wal: invalid record header")

	ErrNoSnapshot = errors.New("snapshot: none found")
)
