package rag

import (
	"context"
	"errors"

	"github.com/tmc/langchaingo/llms"

	"github.com/quarryhq/quarry/llm"
)

// EventType tags a streaming event.
type EventType string

const (
	// EventSources carries the retrieval sources, sent once before tokens.
	EventSources EventType = "sources"
	// EventDelta carries one answer fragment.
	EventDelta EventType = "delta"
	// EventDone terminates the stream with the token usage.
	EventDone EventType = "done"
)

// Event is one element of a streamed turn.
type Event struct {
	Type    EventType
	Sources []Source
	Delta   string
	Usage   llm.Usage
}

// streamBuffer bounds the producer's lead over the transport; a slow client
// backpressures generation instead of buffering the whole answer.
const streamBuffer = 32

// StreamTurn runs one streaming chat turn. Quota gating and retrieval run
// synchronously so their failures surface as an error before any event;
// the returned channel then yields sources, answer deltas and a terminal
// usage event, and closes. Whatever was produced by the time ctx is
// cancelled is persisted with the partial flag set.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	prep, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, streamBuffer)
	go o.produce(ctx, req, prep, events)
	return events, nil
}

func (o *Orchestrator) produce(ctx context.Context, req TurnRequest, prep *prepared, events chan<- Event) {
	defer close(events)

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	send(Event{Type: EventSources, Sources: prep.sources})

	var answer []byte
	resp, genErr := prep.chat.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prep.prompt)},
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			answer = append(answer, chunk...)
			if !send(Event{Type: EventDelta, Delta: string(chunk)}) {
				return context.Canceled
			}
			return nil
		}),
	)

	partial := false
	if genErr != nil {
		if errors.Is(genErr, context.Canceled) || ctx.Err() != nil {
			// Client went away; keep the fragment.
			partial = true
		} else if len(answer) == 0 {
			o.log.WithError(genErr).Error("streamed generation failed before any token")
			return
		} else {
			// Mid-stream provider failure: persist the fragment as partial
			// rather than dropping an answer the client already saw.
			o.log.WithError(genErr).Warn("streamed generation failed mid-answer")
			partial = true
		}
	}

	usage := llm.UsageFrom(resp, prep.prompt, string(answer))
	if err := o.persistTurn(ctx, req, string(answer), prep.sources, usage, partial); err != nil {
		o.log.WithError(err).WithField("session", req.Session.ID).
			Error("persisting streamed turn failed")
		return
	}

	if !partial {
		send(Event{Type: EventDone, Usage: usage})
	}
}
