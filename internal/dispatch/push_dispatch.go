package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/rescue-dispatch/internal/models"
)

// PushDispatcher tries the driver's websocket first and falls back to push.
type PushDispatcher struct {
	WS       *WSRegistry
	Fallback Sender
	Logger   *slog.Logger
}

func NewPushDispatcher(ws *WSRegistry, fallback Sender, logger *slog.Logger) *PushDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushDispatcher{WS: ws, Fallback: fallback, Logger: logger}
}

func (p *PushDispatcher) Offer(ctx context.Context, offer models.DispatchOffer) error {
	if p.WS != nil {
		err := p.WS.Offer(ctx, offer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			p.Logger.Warn("ws send failed, falling back to push", "driver_id", offer.DriverID, "error", err)
		}
	}
	if p.Fallback == nil {
		return fmt.Errorf("driver %s: %w", offer.DriverID, ErrNoSession)
	}
	if err := p.Fallback.Send(ctx, offer); err != nil {
		return fmt.Errorf("push offer to %s: %w", offer.DriverID, err)
	}
	return nil
}
