package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/matrix-org/signage-sync/internal"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrClosedEarly is returned when the channel closes before the expected frame arrives.
var ErrClosedEarly = errors.New("channel closed before the transfer completed")

// Conn is an open channel to the other device. *peer.Channel implements it.
type Conn interface {
	Send(payload []byte) error
	Messages() <-chan []byte
	Done() <-chan struct{}
	Err() error
}

// Send pushes the whole snapshot to the other end as a single frame.
func Send(ctx context.Context, conn Conn, codec Codec, snapshot Snapshot) (err error) {
	ctx, span := internal.StartSpan(ctx, "transfer.Send",
		attribute.String("codec", codec.String()), attribute.Int("records", len(snapshot)))
	defer func() { span.End(err) }()
	if err = ctx.Err(); err != nil {
		return err
	}
	frame, err := EncodeSnapshot(codec, snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err = conn.Send(frame); err != nil {
		return fmt.Errorf("failed to send snapshot: %w", err)
	}
	logger.Debug().Int("records", len(snapshot)).Int("bytes", len(frame)).Str("codec", codec.String()).Msg("sent snapshot")
	return nil
}

// Receive waits for a snapshot frame and hands its records to apply. A frame which is not a
// well-formed snapshot fails with *MalformedPayloadError and apply is not called. Once apply
// succeeds an ack is sent back; failing to send it does not fail the transfer.
func Receive(ctx context.Context, conn Conn, apply func(Snapshot) error) (err error) {
	ctx, span := internal.StartSpan(ctx, "transfer.Receive")
	defer func() { span.End(err) }()
	payload, err := next(ctx, conn)
	if err != nil {
		return err
	}
	frame, err := Decode(payload)
	if err != nil {
		return err
	}
	if frame.Type != FrameSnapshot {
		return malformed("expected a snapshot frame, got %s", frame.Type)
	}
	internal.Logf(ctx, "transfer", "snapshot of %d records (%s)", len(frame.Records), frame.Codec)
	if err = apply(frame.Records); err != nil {
		return fmt.Errorf("failed to apply snapshot: %w", err)
	}
	ack, ackErr := EncodeAck(frame.Codec, len(frame.Records))
	if ackErr == nil {
		ackErr = conn.Send(ack)
	}
	if ackErr != nil {
		logger.Warn().Err(ackErr).Msg("failed to ack snapshot")
	}
	return nil
}

// AwaitAck waits for the receiver to acknowledge a snapshot and returns how many records it
// applied.
func AwaitAck(ctx context.Context, conn Conn) (int, error) {
	payload, err := next(ctx, conn)
	if err != nil {
		return 0, err
	}
	frame, err := Decode(payload)
	if err != nil {
		return 0, err
	}
	if frame.Type != FrameAck {
		return 0, malformed("expected an ack frame, got %s", frame.Type)
	}
	return frame.Count, nil
}

func next(ctx context.Context, conn Conn) ([]byte, error) {
	select {
	case payload := <-conn.Messages():
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-conn.Done():
		// payloads which arrived before the close are still buffered
		select {
		case payload := <-conn.Messages():
			return payload, nil
		default:
		}
		if err := conn.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrClosedEarly, err)
		}
		return nil, ErrClosedEarly
	}
}
