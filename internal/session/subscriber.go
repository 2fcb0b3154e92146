package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/streamio"
	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wire"
	"github.com/nullstreams/moq/internal/wirepath"
)

// subscriberTrack is the receive-side counterpart of groupServer's two-slot
// policy (spec §4.6, §5): instead of deciding which local group to send
// next, it decides whether a just-arrived network stream's group sequence
// should be accepted, and updates its record of the two newest sequences.
// It does not abort streams already being read.
type subscriberTrack struct {
	mu             sync.Mutex
	producer       *model.TrackProducer
	hasOld, hasNew bool
	oldSeq, newSeq uint64
}

// admit applies spec §8 scenario (d)'s rule set to an arriving sequence,
// reporting whether it should be read onto the track at all.
func (st *subscriberTrack) admit(seq uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hasOld && seq < st.oldSeq {
		return false
	}
	if !st.hasNew || seq >= st.newSeq {
		st.hasOld, st.oldSeq = st.hasNew, st.newSeq
		st.hasNew, st.newSeq = true, seq
		return true
	}
	st.hasOld, st.oldSeq = true, seq
	return true
}

// Subscriber opens announce and subscribe control streams against a peer
// and routes incoming per-group data streams back to the right track
// (spec §4.4-§4.6). One Subscriber exists per session.
type Subscriber struct {
	sess    transport.Session
	version uint64
	nextID  atomic.Uint64

	mu   sync.Mutex
	subs map[uint64]*subscriberTrack
}

// NewSubscriber creates a Subscriber issuing control streams over sess.
func NewSubscriber(sess transport.Session, version uint64) *Subscriber {
	return &Subscriber{sess: sess, version: version, subs: make(map[uint64]*subscriberTrack)}
}

// Serve accepts unidirectional group data streams until ctx ends or the
// session closes, dispatching each to the subscription it names.
func (s *Subscriber) Serve(ctx context.Context) error {
	for {
		rs, err := s.sess.AcceptUni(ctx)
		if err != nil {
			return err
		}
		go s.handleGroupStream(ctx, rs)
	}
}

func (s *Subscriber) handleGroupStream(ctx context.Context, rs transport.RecvStream) {
	r := streamio.NewReader(rs)

	tagByte, err := r.ReadFull(1)
	if err != nil {
		return
	}
	d := wire.NewDecoder(tagByte)
	tag, err := d.Varint()
	if err != nil || tag != wire.DataGroup {
		rs.Stop(transport.ResetCode(wire.KindUnexpectedStream))
		return
	}

	var hdr wire.Group
	if err := r.Decode(&hdr); err != nil {
		rs.Stop(transport.ResetCode(wire.KindDecode))
		return
	}

	s.mu.Lock()
	st, ok := s.subs[hdr.Subscribe]
	s.mu.Unlock()
	if !ok {
		rs.Stop(transport.ResetCode(wire.KindUnexpectedMessage))
		return
	}

	if !st.admit(hdr.Sequence) {
		slog.Debug("dropping stale group", "subscribe", hdr.Subscribe, "sequence", hdr.Sequence)
		rs.Stop(transport.ResetCode(wire.KindOld))
		return
	}

	gp := st.producer.AppendGroup(hdr.Sequence)
	for {
		more, err := readFrameMaybe(r, gp)
		if err != nil {
			gp.Abort(wire.WrapError(errToKind(err), "reading group frame", err))
			return
		}
		if !more {
			gp.Close()
			return
		}
	}
}

// AnnouncedInto opens an announce stream for prefix and mirrors every
// Active/Ended event into dest (rooted OriginProducer), blocking until ctx
// ends, the stream errors, or the peer closes it. onReady, if non-nil, is
// called once the initial snapshot has been applied — the session
// orchestrator uses this as the "ready" barrier of spec §4.3.
func (s *Subscriber) AnnouncedInto(ctx context.Context, prefix wirepath.Path, dest *model.OriginProducer, onReady func()) error {
	st, err := s.sess.OpenBi(ctx)
	if err != nil {
		return err
	}
	w := streamio.NewWriter(st)
	r := streamio.NewReader(st)
	defer w.Close()

	tagEnc := wire.NewEncoder()
	tagEnc.Varint(wire.StreamAnnounce)
	if err := w.Write(tagEnc.Bytes()); err != nil {
		return err
	}
	if err := w.Encode(&wire.AnnouncePlease{Prefix: prefix}); err != nil {
		return err
	}

	var init wire.AnnounceInit
	if err := r.Decode(&init); err != nil {
		return err
	}

	active := make(map[string]*model.BroadcastProducer)
	for _, suffix := range init.Suffixes {
		s.publishRemote(ctx, dest, prefix, suffix, active)
	}
	if onReady != nil {
		onReady()
	}

	for {
		var ev wire.Announce
		if err := r.Decode(&ev); err != nil {
			for _, bp := range active {
				bp.Close()
			}
			return err
		}
		switch ev.Status {
		case wire.AnnounceActive:
			s.publishRemote(ctx, dest, prefix, ev.Suffix, active)
		case wire.AnnounceEnded:
			if bp, ok := active[ev.Suffix.String()]; ok {
				bp.Close()
				delete(active, ev.Suffix.String())
			}
		}
	}
}

func (s *Subscriber) publishRemote(ctx context.Context, dest *model.OriginProducer, prefix, suffix wirepath.Path, active map[string]*model.BroadcastProducer) {
	bp, bc := model.NewBroadcast()
	active[suffix.String()] = bp
	fullPath := prefix.Join(suffix)

	if err := dest.PublishBroadcast(suffix, bc); err != nil {
		slog.Warn("remote announce outside allowed scope", "path", fullPath.String(), "error", err)
		bp.Close()
		return
	}
	go s.serveRemoteBroadcast(ctx, bp, fullPath)
}

func (s *Subscriber) serveRemoteBroadcast(ctx context.Context, bp *model.BroadcastProducer, broadcastPath wirepath.Path) {
	for {
		tp, err := bp.NextRequested(ctx)
		if err != nil {
			return
		}
		go s.fetchTrack(ctx, tp, broadcastPath)
	}
}

func (s *Subscriber) fetchTrack(ctx context.Context, tp *model.TrackProducer, broadcastPath wirepath.Path) {
	id := s.nextID.Add(1)

	st, err := s.sess.OpenBi(ctx)
	if err != nil {
		tp.Abort(err)
		return
	}
	w := streamio.NewWriter(st)
	r := streamio.NewReader(st)
	defer w.Close()

	tagEnc := wire.NewEncoder()
	tagEnc.Varint(wire.StreamSubscribe)
	if err := w.Write(tagEnc.Bytes()); err != nil {
		tp.Abort(err)
		return
	}
	req := &wire.Subscribe{ID: id, Broadcast: broadcastPath, Track: tp.Name(), Priority: tp.Priority()}
	if err := w.Encode(req); err != nil {
		tp.Abort(err)
		return
	}

	var ok wire.SubscribeOk
	if err := r.Decode(&ok); err != nil {
		tp.Abort(err)
		return
	}

	s.mu.Lock()
	s.subs[id] = &subscriberTrack{producer: tp}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.version != wire.VersionIETF {
			return
		}
		var subDone wire.SubscribeDone
		_, _ = r.DecodeMaybe(&subDone)
	}()

	select {
	case <-tp.Unused():
		if s.version == wire.VersionIETF {
			_ = w.Encode(&wire.Unsubscribe{ID: id})
		}
	case <-done:
	case <-ctx.Done():
	}
	tp.Close()
}
