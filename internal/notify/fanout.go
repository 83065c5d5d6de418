package notify

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"lendmirror/internal/observability"
)

// Publisher delivers liquidatable-set updates over one channel.
type Publisher interface {
	PublishLiquidatable(ctx context.Context, accounts []common.Address, height uint64) error
}

// Fanout delivers to every configured channel. Delivery is best effort per
// channel: one failing target is logged and the rest still receive the
// update, since subscribers can always re-read the set from the API.
type Fanout struct {
	targets []Publisher
	log     zerolog.Logger
}

func NewFanout(targets ...Publisher) *Fanout {
	return &Fanout{
		targets: targets,
		log:     observability.NewLogger("notify"),
	}
}

func (f *Fanout) PublishLiquidatable(ctx context.Context, accounts []common.Address, height uint64) error {
	for _, t := range f.targets {
		if err := t.PublishLiquidatable(ctx, accounts, height); err != nil {
			f.log.Warn().Err(err).Msg("notification delivery failed")
		}
	}
	return nil
}
