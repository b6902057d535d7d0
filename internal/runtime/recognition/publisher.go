package recognition

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/speech"
	"github.com/tiger/live-translation-relay/api/wire"
)

// Sender writes one wire message. connection.Supervisor satisfies it.
type Sender interface {
	Send(wire.Message) error
}

// PublishStats counts what happened to a stream.
type PublishStats struct {
	Received int
	Sent     int
	Gated    int
	Dropped  int
}

// Publisher sends gated utterances of one service as broadcast messages,
// preserving recognizer order.
type Publisher struct {
	serviceID string
	sender    Sender
	gate      *Gate
	log       zerolog.Logger
}

// NewPublisher builds a publisher. A nil gate forwards every utterance that
// carries a translation.
func NewPublisher(serviceID string, sender Sender, gate *Gate, log zerolog.Logger) *Publisher {
	return &Publisher{serviceID: serviceID, sender: sender, gate: gate, log: log}
}

// Publish runs rec over audio and forwards its utterances until the stream
// ends or ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, rec speech.Recognizer, audio io.Reader) (PublishStats, error) {
	utterances, err := rec.Recognize(ctx, audio)
	if err != nil {
		return PublishStats{}, fmt.Errorf("start recognition: %w", err)
	}
	return p.Run(ctx, utterances)
}

// Run forwards utterances from the channel. Send failures are logged and the
// utterance dropped; the stream continues.
func (p *Publisher) Run(ctx context.Context, utterances <-chan speech.Utterance) (PublishStats, error) {
	var stats PublishStats
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case u, ok := <-utterances:
			if !ok {
				p.log.Info().
					Int("received", stats.Received).
					Int("sent", stats.Sent).
					Int("gated", stats.Gated).
					Int("dropped", stats.Dropped).
					Msg("recognition stream ended")
				return stats, nil
			}
			stats.Received++
			p.forward(u, &stats)
		}
	}
}

func (p *Publisher) forward(u speech.Utterance, stats *PublishStats) {
	admitted, ok := p.gate.Admit(u)
	if !ok {
		stats.Gated++
		return
	}
	msg := wire.Broadcast(p.serviceID, admitted.Original(), admitted.Translations(), admitted.IsFinal(), admitted.Timestamp())
	if err := p.sender.Send(msg); err != nil {
		stats.Dropped++
		p.log.Warn().Err(err).Bool("final", admitted.IsFinal()).Msg("broadcast not sent")
		return
	}
	stats.Sent++
	p.log.Debug().Str("original", admitted.Original()).Bool("final", admitted.IsFinal()).Msg("broadcast sent")
}
