package pairsync

import (
	"os"
	"time"

	"github.com/matrix-org/signage-sync/transfer"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Config struct {
	// Base URL of the relay, e.g https://relay.example.com
	RelayURL string
	// How long a receiver waits for the sender to accept, and then for the snapshot.
	// Default 15s.
	ConnectTimeout time.Duration
	// How long a sender waits after sending before declaring success, when RequireAck is off.
	// Default 1s.
	SuccessDelay time.Duration
	// Sender waits for the receiver's ack instead of SuccessDelay.
	RequireAck bool
	// Codec for snapshot frames. Receivers accept either codec.
	Codec transfer.Codec
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.SuccessDelay == 0 {
		c.SuccessDelay = time.Second
	}
}
