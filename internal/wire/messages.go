package wire

import "github.com/nullstreams/moq/internal/wirepath"

// Control stream types (varint tag, §6).
const (
	StreamSession      uint64 = 0
	StreamAnnounce     uint64 = 1
	StreamSubscribe    uint64 = 2
	StreamClientCompat uint64 = 0x40
	StreamServerCompat uint64 = 0x41
)

// Data stream types (§6).
const (
	DataGroup uint64 = 0
)

// Session versions. VersionLite is this port's native dialect; VersionIETF
// additionally supports Unsubscribe/SubscribeDone on the subscribe stream
// instead of a bare stream close (spec §9 Open Questions).
const (
	VersionLite uint64 = 0xff0bad00
	VersionIETF uint64 = 0xff000008
)

// Announce status values.
const (
	AnnounceEnded  uint8 = 0
	AnnounceActive uint8 = 1
)

// Message is implemented by every wire message.
type Message interface {
	Encode(*Encoder)
}

// Framed encodes m as varint(size) || body.
func Framed(m Message) []byte {
	e := NewEncoder()
	m.Encode(e)
	body := e.Bytes()
	out := AppendVarint(make([]byte, 0, VarintLen(uint64(len(body)))+len(body)), uint64(len(body)))
	return append(out, body...)
}

// decodable is implemented by message types that can populate themselves
// from a Decoder.
type decodable interface {
	Decode(*Decoder) error
}

// DecodeFramed reads a size-prefixed message from the front of data into m,
// asserting that the declared size is consumed exactly. It returns the
// total number of bytes consumed (prefix + body) on success.
func DecodeFramed(data []byte, m decodable) (int, error) {
	size, n, err := ReadVarint(data)
	if err != nil {
		return 0, err
	}
	if uint64(len(data)-n) < size {
		return 0, ErrShort
	}
	body := data[n : n+int(size)]
	d := NewDecoder(body)
	if err := m.Decode(d); err != nil {
		return 0, err
	}
	if err := d.End(); err != nil {
		return 0, err
	}
	return n + int(size), nil
}

// ClientSetup is the first message on the session control stream.
type ClientSetup struct {
	Versions   []uint64
	Extensions map[uint64][]byte
}

func (m *ClientSetup) Encode(e *Encoder) {
	e.Varint(uint64(len(m.Versions)))
	for _, v := range m.Versions {
		e.Varint(v)
	}
	encodeExtensions(e, m.Extensions)
}

func (m *ClientSetup) Decode(d *Decoder) error {
	n, err := d.Varint()
	if err != nil {
		return err
	}
	m.Versions = make([]uint64, n)
	for i := range m.Versions {
		v, err := d.Varint()
		if err != nil {
			return err
		}
		m.Versions[i] = v
	}
	m.Extensions, err = decodeExtensions(d)
	return err
}

// ServerSetup is the server's reply selecting a single version.
type ServerSetup struct {
	Version    uint64
	Extensions map[uint64][]byte
}

func (m *ServerSetup) Encode(e *Encoder) {
	e.Varint(m.Version)
	encodeExtensions(e, m.Extensions)
}

func (m *ServerSetup) Decode(d *Decoder) error {
	v, err := d.Varint()
	if err != nil {
		return err
	}
	m.Version = v
	m.Extensions, err = decodeExtensions(d)
	return err
}

func encodeExtensions(e *Encoder, ext map[uint64][]byte) {
	e.Varint(uint64(len(ext)))
	for k, v := range ext {
		e.Varint(k)
		e.Bytes_(v)
	}
}

func decodeExtensions(d *Decoder) (map[uint64][]byte, error) {
	n, err := d.Varint()
	if err != nil {
		return nil, err
	}
	ext := make(map[uint64][]byte, n)
	for i := uint64(0); i < n; i++ {
		k, err := d.Varint()
		if err != nil {
			return nil, err
		}
		v, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		ext[k] = v
	}
	return ext, nil
}

// AnnouncePlease opens interest in broadcasts under Prefix.
type AnnouncePlease struct {
	Prefix wirepath.Path
}

func (m *AnnouncePlease) Encode(e *Encoder) { e.Path(m.Prefix) }
func (m *AnnouncePlease) Decode(d *Decoder) error {
	p, err := d.Path()
	if err != nil {
		return err
	}
	m.Prefix = p
	return nil
}

// AnnounceInit is the synchronous snapshot of currently active broadcasts
// under the requested prefix, sent once before any Announce messages.
type AnnounceInit struct {
	Suffixes []wirepath.Path
}

func (m *AnnounceInit) Encode(e *Encoder) {
	e.Varint(uint64(len(m.Suffixes)))
	for _, s := range m.Suffixes {
		e.Path(s)
	}
}

func (m *AnnounceInit) Decode(d *Decoder) error {
	n, err := d.Varint()
	if err != nil {
		return err
	}
	m.Suffixes = make([]wirepath.Path, n)
	for i := range m.Suffixes {
		p, err := d.Path()
		if err != nil {
			return err
		}
		m.Suffixes[i] = p
	}
	return nil
}

// Announce is a subsequent Active/Ended event for one suffix relative to
// the announce stream's prefix.
type Announce struct {
	Status uint8
	Suffix wirepath.Path
}

func (m *Announce) Encode(e *Encoder) {
	e.U8(m.Status)
	e.Path(m.Suffix)
}

func (m *Announce) Decode(d *Decoder) error {
	status, err := d.U8()
	if err != nil {
		return err
	}
	if status != AnnounceEnded && status != AnnounceActive {
		return ErrInvalidValue
	}
	m.Status = status
	suffix, err := d.Path()
	if err != nil {
		return err
	}
	m.Suffix = suffix
	return nil
}

// Subscribe requests a track of a broadcast.
type Subscribe struct {
	ID        uint64
	Broadcast wirepath.Path
	Track     string
	Priority  uint8
}

func (m *Subscribe) Encode(e *Encoder) {
	e.Varint(m.ID)
	e.Path(m.Broadcast)
	e.String(m.Track)
	e.U8(m.Priority)
}

func (m *Subscribe) Decode(d *Decoder) error {
	id, err := d.Varint()
	if err != nil {
		return err
	}
	bc, err := d.Path()
	if err != nil {
		return err
	}
	track, err := d.String()
	if err != nil {
		return err
	}
	prio, err := d.U8()
	if err != nil {
		return err
	}
	m.ID, m.Broadcast, m.Track, m.Priority = id, bc, track, prio
	return nil
}

// SubscribeOk acknowledges a Subscribe, echoing the serving priority.
type SubscribeOk struct {
	Priority uint8
}

func (m *SubscribeOk) Encode(e *Encoder) { e.U8(m.Priority) }
func (m *SubscribeOk) Decode(d *Decoder) error {
	p, err := d.U8()
	if err != nil {
		return err
	}
	m.Priority = p
	return nil
}

// Unsubscribe is IETF-dialect-only: explicitly ends a subscription instead
// of closing the subscribe stream (spec §9 Open Questions).
type Unsubscribe struct {
	ID uint64
}

func (m *Unsubscribe) Encode(e *Encoder) { e.Varint(m.ID) }
func (m *Unsubscribe) Decode(d *Decoder) error {
	id, err := d.Varint()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// SubscribeDone is IETF-dialect-only: the publisher's acknowledgement that
// a subscription has ended, with an optional error code.
type SubscribeDone struct {
	ID     uint64
	Kind   Kind
	Reason string
}

func (m *SubscribeDone) Encode(e *Encoder) {
	e.Varint(m.ID)
	e.Varint(uint64(m.Kind))
	e.String(m.Reason)
}

func (m *SubscribeDone) Decode(d *Decoder) error {
	id, err := d.Varint()
	if err != nil {
		return err
	}
	kind, err := d.Varint()
	if err != nil {
		return err
	}
	reason, err := d.String()
	if err != nil {
		return err
	}
	m.ID, m.Kind, m.Reason = id, Kind(kind), reason
	return nil
}

// Group is the header of a per-group unidirectional data stream, preceding
// the stream's sequence of varint(frame_size) || frame_bytes entries.
type Group struct {
	Subscribe uint64
	Sequence  uint64
}

func (m *Group) Encode(e *Encoder) {
	e.Varint(m.Subscribe)
	e.Varint(m.Sequence)
}

func (m *Group) Decode(d *Decoder) error {
	sub, err := d.Varint()
	if err != nil {
		return err
	}
	seq, err := d.Varint()
	if err != nil {
		return err
	}
	m.Subscribe, m.Sequence = sub, seq
	return nil
}
