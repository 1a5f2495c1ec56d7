// Operator command handling: request/acknowledge over the console socket.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bintra/session-engine/internal/apperr"
	"github.com/bintra/session-engine/internal/model"
	"github.com/bintra/session-engine/internal/settle"
	"github.com/bintra/session-engine/internal/store"
)

const commandTimeout = 10 * time.Second

// Command actions accepted from operator consoles.
const (
	ActionSubscribe   = "subscribe"
	ActionForceSettle = "force-settle"
	ActionCancel      = "cancel"
	ActionEdit        = "edit"
)

// Command is one operator request. ID correlates the acknowledgement.
type Command struct {
	ID              string           `json:"id"`
	Action          string           `json:"action"`
	OrderID         string           `json:"order_id,omitempty"`
	SettlementPrice *decimal.Decimal `json:"settlement_price,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Updates         *CommandUpdates  `json:"updates,omitempty"`
}

// CommandUpdates carries the editable fields for the edit action.
type CommandUpdates struct {
	InvestAmount *decimal.Decimal `json:"invest_amount,omitempty"`
	ExpiryTime   *time.Time       `json:"expiry_time,omitempty"`
	IsManaged    *bool            `json:"is_managed,omitempty"`
}

// Ack is the synchronous reply to one command.
type Ack struct {
	Type        string          `json:"type"` // "ack"
	ID          string          `json:"id"`
	Success     bool            `json:"success"`
	Transaction *model.Position `json:"transaction,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// InitialData is the snapshot sent on subscribe.
type InitialData struct {
	Type         string           `json:"type"` // "initial-data"
	Transactions []model.Position `json:"transactions"`
}

// handleCommand performs the mutation through the settlement engine,
// replies synchronously to the caller, and only then broadcasts the
// resulting state to all subscribers — the caller included, so every view
// converges through the same path.
func (h *Hub) handleCommand(c *client, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.reply(c, Ack{Type: "ack", Success: false, Error: "malformed command"})
		return
	}

	if !c.limiter.Allow() {
		h.reply(c, Ack{Type: "ack", ID: cmd.ID, Success: false, Error: "rate limit exceeded"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Action {
	case ActionSubscribe:
		h.sendSnapshot(ctx, c, cmd.ID)

	case ActionForceSettle:
		if cmd.SettlementPrice == nil {
			h.reply(c, Ack{Type: "ack", ID: cmd.ID, Success: false, Error: "settlement_price is required"})
			return
		}
		p, events, err := h.engine.ForceSettle(ctx, cmd.OrderID, *cmd.SettlementPrice, c.adminID)
		h.ackResult(c, cmd.ID, p, err)
		h.publishAll(events)

	case ActionCancel:
		p, events, err := h.engine.Cancel(ctx, cmd.OrderID, cmd.Reason, model.TriggerAdmin)
		h.ackResult(c, cmd.ID, p, err)
		h.publishAll(events)

	case ActionEdit:
		if cmd.Updates == nil {
			h.reply(c, Ack{Type: "ack", ID: cmd.ID, Success: false, Error: "updates are required"})
			return
		}
		p, events, err := h.engine.Edit(ctx, cmd.OrderID, store.PositionEdit{
			InvestAmount: cmd.Updates.InvestAmount,
			ExpiryTime:   cmd.Updates.ExpiryTime,
			IsManaged:    cmd.Updates.IsManaged,
		})
		h.ackResult(c, cmd.ID, p, err)
		h.publishAll(events)

	default:
		h.reply(c, Ack{Type: "ack", ID: cmd.ID, Success: false, Error: "unknown action: " + cmd.Action})
	}
}

// sendSnapshot emits initial-data with the full current PENDING set in the
// operator's visibility scope.
func (h *Hub) sendSnapshot(ctx context.Context, c *client, cmdID string) {
	positions, err := h.store.ListPendingPositions(ctx, h.snapshotScope)
	if err != nil {
		slog.Error("snapshot failed", "admin", c.adminID, "err", err)
		h.reply(c, Ack{Type: "ack", ID: cmdID, Success: false, Error: "snapshot unavailable"})
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	data, err := json.Marshal(InitialData{Type: "initial-data", Transactions: positions})
	if err != nil {
		return
	}
	c.enqueue(data)
	h.reply(c, Ack{Type: "ack", ID: cmdID, Success: true})
}

// ackResult maps an engine result to the command acknowledgement. The
// caller broadcasts the engine's events only after this reply is queued,
// so the issuing console always sees its ack before the fan-out.
func (h *Hub) ackResult(c *client, cmdID string, p *model.Position, err error) {
	if err != nil {
		h.reply(c, Ack{Type: "ack", ID: cmdID, Success: false, Error: classify(err)})
		return
	}
	h.reply(c, Ack{Type: "ack", ID: cmdID, Success: true, Transaction: p})
}

func (h *Hub) publishAll(events []settle.Event) {
	for _, ev := range events {
		h.Publish(ev)
	}
}

func (h *Hub) reply(c *client, ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// classify maps engine errors to wire error strings.
func classify(err error) string {
	switch {
	case errors.Is(err, apperr.ErrConflict):
		return "conflict: " + err.Error()
	case errors.Is(err, apperr.ErrNotFound):
		return "not found: " + err.Error()
	case errors.Is(err, apperr.ErrValidation):
		return "validation: " + err.Error()
	case errors.Is(err, apperr.ErrStalePrice):
		return "stale price: " + err.Error()
	case errors.Is(err, apperr.ErrUnavailable):
		return "unavailable: " + err.Error()
	case errors.Is(err, apperr.ErrUnauthorized):
		return "unauthorized: " + err.Error()
	default:
		return err.Error()
	}
}
