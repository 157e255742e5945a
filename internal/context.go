package internal

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "signage_data"
)

// logging metadata for a single relay connection
type data struct {
	mu          sync.Mutex
	endpointID  string
	identifier  string
	numChannels int
	numBytes    int64
}

// prepare a request context so it can contain relay connection info
func RequestContext(ctx context.Context) context.Context {
	d := &data{}
	return context.WithValue(ctx, ctxData, d)
}

func getData(ctx context.Context) *data {
	d := ctx.Value(ctxData)
	if d == nil {
		return nil
	}
	return d.(*data)
}

// add the endpoint ID to this request context. Need to have called RequestContext first.
func SetRequestContextEndpoint(ctx context.Context, endpointID string) {
	da := getData(ctx)
	if da == nil {
		return
	}
	da.mu.Lock()
	defer da.mu.Unlock()
	da.endpointID = endpointID
}

// add the bound identifier to this request context, "" once it has been released.
func SetRequestContextIdentifier(ctx context.Context, identifier string) {
	da := getData(ctx)
	if da == nil {
		return
	}
	da.mu.Lock()
	defer da.mu.Unlock()
	da.identifier = identifier
}

// record that a channel was opened on this connection, and that n payload bytes were relayed.
func AddRequestContextTraffic(ctx context.Context, channels int, n int64) {
	da := getData(ctx)
	if da == nil {
		return
	}
	da.mu.Lock()
	defer da.mu.Unlock()
	da.numChannels += channels
	da.numBytes += n
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	da := getData(ctx)
	if da == nil {
		return l
	}
	da.mu.Lock()
	defer da.mu.Unlock()
	if da.endpointID != "" {
		l = l.Str("e", da.endpointID)
	}
	if da.identifier != "" {
		l = l.Str("i", da.identifier)
	}
	if da.numChannels > 0 {
		l = l.Int("c", da.numChannels)
	}
	if da.numBytes > 0 {
		l = l.Int64("b", da.numBytes)
	}
	return l
}
