package voiceserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/protocol"
	"github.com/MrWong99/voicedesk/pkg/provider/llm"
	"github.com/MrWong99/voicedesk/pkg/store"
)

// turn answers one user input. Persistence failures are logged and do not
// abort the turn; a responder failure ends it with an error message.
func (c *conn) turn(ctx context.Context, in userInput) {
	ctx, span := observe.StartTurn(ctx, c.id, in.source)
	defer span.End()
	log := observe.Logger(ctx, c.log)
	input := in.text

	start := time.Now()
	defer func() {
		c.srv.metrics.RecordTurn(context.WithoutCancel(ctx), in.source, time.Since(start))
	}()

	_, saveErr := c.srv.store.SaveMessage(ctx, c.id, store.RoleUser, input)
	if saveErr != nil {
		log.Warn("voiceserver: save user message", "err", saveErr)
	}
	history, err := c.srv.store.ConversationHistory(ctx, c.id)
	if err != nil {
		log.Warn("voiceserver: load history", "err", err)
		history = nil
	}
	if saveErr != nil || err != nil {
		history = append(history, store.Message{Role: store.RoleUser, Content: input})
	}

	llmStart := time.Now()
	resp, err := c.srv.responder.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: SystemPrompt(c.settings),
		Messages:     toLLM(history),
		Temperature:  Temperature,
		MaxTokens:    MaxTokens,
	})
	c.srv.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("voiceserver: responder failed", "err", err)
		span.RecordError(err)
		c.srv.metrics.RecordProviderRequest(ctx, "responder", "llm", "error")
		c.srv.metrics.RecordProviderError(ctx, "responder", "llm")
		_ = c.send(ctx, protocol.Error("Processing error: "+err.Error()))
		return
	}
	c.srv.metrics.RecordProviderRequest(ctx, "responder", "llm", "ok")
	if resp.Truncated {
		log.Debug("voiceserver: reply hit the token limit", "max_tokens", MaxTokens)
	}

	reply, escalate := ExtractEscalation(resp.Content, c.settings.EscalationKeyword)
	if _, err := c.srv.store.SaveMessage(ctx, c.id, store.RoleAssistant, reply); err != nil {
		log.Warn("voiceserver: save assistant message", "err", err)
	}
	if escalate {
		c.escalate(ctx, log, input, history, reply)
	}

	if err := c.send(ctx, protocol.AgentResponse(reply, input)); err != nil {
		return
	}
	if c.srv.tts != nil && reply != "" {
		c.speak(ctx, log, reply, input)
	}
}

// escalate opens a support ticket for input with the conversation so far.
func (c *conn) escalate(ctx context.Context, log *slog.Logger, input string, history []store.Message, reply string) {
	entries := store.HistoryFromMessages(history)
	entries = append(entries, store.HistoryEntry{Role: store.RoleAssistant, Content: reply})

	t, err := c.srv.store.CreateTicket(ctx, store.Ticket{
		UserQuery:           input,
		ConversationHistory: entries,
		Status:              store.TicketOpen,
	})
	if err != nil {
		log.Error("voiceserver: create ticket", "err", err)
		return
	}
	c.srv.metrics.RecordTicketCreated(ctx, "escalation")
	log.Info("voiceserver: ticket created", "ticket_id", t.ID)
}

// speak streams the synthesized reply as binary messages between tts_start
// and tts_complete, or tts_error when synthesis fails.
func (c *conn) speak(ctx context.Context, log *slog.Logger, reply, input string) {
	if err := c.send(ctx, protocol.TTSStart(reply, input)); err != nil {
		return
	}

	start := time.Now()
	chunks := 0
	err := c.srv.tts.Synthesize(ctx, reply, c.settings.Voice, func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		if err := c.ws.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			return err
		}
		chunks++
		return nil
	})
	c.srv.metrics.TTSDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("voiceserver: synthesis failed", "chunks_sent", chunks, "err", err)
		c.srv.metrics.RecordProviderRequest(ctx, "tts", "tts", "error")
		c.srv.metrics.RecordProviderError(ctx, "tts", "tts")
		_ = c.send(ctx, protocol.TTSError(err.Error(), input))
		return
	}
	c.srv.metrics.RecordProviderRequest(ctx, "tts", "tts", "ok")
	log.Debug("voiceserver: reply spoken", "chunks_sent", chunks)
	_ = c.send(ctx, protocol.TTSComplete(chunks, input))
}

func toLLM(history []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}
