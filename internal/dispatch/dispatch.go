package dispatch

import (
	"context"
	"errors"

	"github.com/example/rescue-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// Sender delivers an offer over an out-of-band channel when the driver has no
// live socket.
type Sender interface {
	Send(ctx context.Context, offer models.DispatchOffer) error
}
