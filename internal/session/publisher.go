package session

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/streamio"
	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wire"
)

// Publisher serves announce and subscribe control streams opened by the
// peer against a scoped origin view (spec §4.4-§4.6). One Publisher exists
// per session.
type Publisher struct {
	sess    transport.Session
	view    *model.OriginConsumer
	version uint64
}

// NewPublisher creates a Publisher serving view to the peer over sess.
func NewPublisher(sess transport.Session, view *model.OriginConsumer, version uint64) *Publisher {
	return &Publisher{sess: sess, view: view, version: version}
}

// Serve accepts control streams until ctx ends or the session closes.
func (p *Publisher) Serve(ctx context.Context) error {
	for {
		st, err := p.sess.AcceptBi(ctx)
		if err != nil {
			return err
		}
		go p.handle(ctx, st)
	}
}

func (p *Publisher) handle(ctx context.Context, st transport.Stream) {
	r := streamio.NewReader(st)
	w := streamio.NewWriter(st)
	defer w.Close()

	tagByte, err := r.ReadFull(1)
	if err != nil {
		return
	}
	d := wire.NewDecoder(tagByte)
	tag, err := d.Varint()
	if err != nil {
		return
	}

	switch tag {
	case wire.StreamAnnounce:
		p.serveAnnounce(ctx, r, w)
	case wire.StreamSubscribe:
		p.serveSubscribe(ctx, r, w)
	default:
		w.Abort(wire.KindUnexpectedStream)
	}
}

func (p *Publisher) serveAnnounce(ctx context.Context, r *streamio.Reader, w *streamio.Writer) {
	var please wire.AnnouncePlease
	if err := r.Decode(&please); err != nil {
		w.Abort(wire.KindDecode)
		return
	}

	sub, err := p.view.Announced(please.Prefix)
	if err != nil {
		w.Abort(wire.KindUnauthorized)
		return
	}
	defer sub.Close()

	snapshot, err := p.view.InitSnapshot(please.Prefix)
	if err != nil {
		w.Abort(wire.KindUnauthorized)
		return
	}
	if err := w.Encode(&wire.AnnounceInit{Suffixes: snapshot}); err != nil {
		return
	}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		status := wire.AnnounceEnded
		if ev.Active {
			status = wire.AnnounceActive
		}
		if err := w.Encode(&wire.Announce{Status: status, Suffix: ev.Suffix}); err != nil {
			return
		}
	}
}

func (p *Publisher) serveSubscribe(ctx context.Context, r *streamio.Reader, w *streamio.Writer) {
	var sub wire.Subscribe
	if err := r.Decode(&sub); err != nil {
		w.Abort(wire.KindDecode)
		return
	}

	bc, ok := p.view.ConsumeBroadcast(sub.Broadcast)
	if !ok {
		w.Abort(wire.KindNotFound)
		return
	}
	defer bc.Close()

	tc := bc.Subscribe(sub.Track)
	defer tc.Close()

	if err := w.Encode(&wire.SubscribeOk{Priority: sub.Priority}); err != nil {
		return
	}

	servCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// On the lite dialect, the subscription ends when the subscribe stream
	// closes; on IETF, an explicit Unsubscribe may arrive first (spec §9
	// Open Questions). Either way this goroutine's return cancels serving.
	go p.watchSubscribeStream(servCtx, cancel, r, w, sub.ID)

	gs := newGroupServer(sub.ID, sub.Priority, tc, p.spawnGroup)
	if err := gs.run(servCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("subscription ended", "id", sub.ID, "error", err)
	}
}

func (p *Publisher) watchSubscribeStream(ctx context.Context, cancel context.CancelFunc, r *streamio.Reader, w *streamio.Writer, id uint64) {
	defer cancel()
	if p.version != wire.VersionIETF {
		// Lite dialect: block until the stream closes (EOF) or errors.
		for {
			buf, err := r.Read(1)
			if err != nil || buf == nil {
				return
			}
		}
	}
	for {
		var un wire.Unsubscribe
		ok, err := r.DecodeMaybe(&un)
		if err != nil || !ok {
			return
		}
		if un.ID == id {
			_ = w.Encode(&wire.SubscribeDone{ID: id, Kind: wire.KindCancel, Reason: "unsubscribed"})
			return
		}
	}
}

// spawnGroup opens a unidirectional data stream and pushes one group's
// frames onto it (spec §4.6), returning a cancel that aborts the stream
// and a channel closed once the group is fully sent or the stream ends.
func (p *Publisher) spawnGroup(ctx context.Context, subID uint64, priority uint8, gc *model.GroupConsumer) (context.CancelFunc, <-chan struct{}) {
	groupCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		st, err := p.sess.OpenUni(groupCtx)
		if err != nil {
			return
		}
		w := streamio.NewWriter(st)
		defer w.Close()

		if err := w.SetPriority(GroupPriority(priority, gc.Sequence())); err != nil {
			return
		}

		tagEnc := wire.NewEncoder()
		tagEnc.Varint(wire.DataGroup)
		if err := w.Write(tagEnc.Bytes()); err != nil {
			return
		}
		if err := w.Encode(&wire.Group{Subscribe: subID, Sequence: gc.Sequence()}); err != nil {
			return
		}

		for {
			frame, err := gc.NextFrame(groupCtx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					w.Finish()
				} else {
					w.Abort(errToKind(err))
				}
				return
			}
			if err := streamFrame(w, groupCtx, frame); err != nil {
				w.Abort(errToKind(err))
				return
			}
		}
	}()

	return cancel, done
}
