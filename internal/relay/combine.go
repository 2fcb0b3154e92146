package relay

import (
	"context"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/wirepath"
)

// mirrorInto keeps dest live-synchronized with every broadcast src
// announces, in-process and without any wire framing. It's how a relay
// builds its "combined" view — the union of its primary (local) and
// secondary (cluster peer) origins — by mirroring one into the other's
// tree (spec §4.9).
//
// Ended events need no explicit handling here: Origin.Publish already
// spawns a goroutine that awaits the published consumer's Closed() and
// unpublishes that exact entry when it fires, so the mirrored copy closes
// itself the moment the original does.
func mirrorInto(ctx context.Context, src *model.OriginConsumer, dest *model.Origin) error {
	sub, err := src.Announced(wirepath.Root)
	if err != nil {
		return err
	}
	defer sub.Close()

	suffixes, err := src.InitSnapshot(wirepath.Root)
	if err != nil {
		return err
	}
	for _, suffix := range suffixes {
		if bc, ok := src.ConsumeBroadcast(suffix); ok {
			dest.Publish(suffix, bc)
		}
	}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev.Active && ev.Consumer != nil {
			dest.Publish(ev.Suffix, ev.Consumer)
		}
	}
}
