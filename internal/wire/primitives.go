package wire

import "github.com/nullstreams/moq/internal/wirepath"

// Encoder accumulates a message body into a byte buffer. All message types
// implement Encode(*Encoder) to serialize themselves.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Varint(v uint64) {
	e.buf = AppendVarint(e.buf, v)
}

// Priority encodes an i8 priority with a +128 bias so the default value 0
// encodes as 0x80.
func (e *Encoder) Priority(v int8) {
	e.buf = append(e.buf, byte(int16(v)+128))
}

func (e *Encoder) String(s string) {
	e.buf = AppendVarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) Bytes_(b []byte) {
	e.buf = AppendVarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Path(p wirepath.Path) {
	s := p.String()
	e.buf = AppendVarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Decoder walks a fixed byte slice, consuming primitives from the front.
type Decoder struct {
	data []byte
}

func NewDecoder(data []byte) *Decoder { return &Decoder{data: data} }

// Remaining returns the number of unconsumed bytes.
func (d *Decoder) Remaining() int { return len(d.data) }

func (d *Decoder) U8() (uint8, error) {
	if len(d.data) < 1 {
		return 0, ErrShort
	}
	v := d.data[0]
	d.data = d.data[1:]
	return v, nil
}

func (d *Decoder) Varint() (uint64, error) {
	v, n, err := ReadVarint(d.data)
	if err != nil {
		return 0, err
	}
	d.data = d.data[n:]
	return v, nil
}

// Priority decodes an i8 priority with the +128 bias removed.
func (d *Decoder) Priority() (int8, error) {
	if len(d.data) < 1 {
		return 0, ErrShort
	}
	v := int16(d.data[0]) - 128
	d.data = d.data[1:]
	return int8(v), nil
}

func (d *Decoder) String() (string, error) {
	n, err := d.Varint()
	if err != nil {
		return "", err
	}
	if uint64(len(d.data)) < n {
		return "", ErrShort
	}
	s := string(d.data[:n])
	d.data = d.data[n:]
	return s, nil
}

func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Varint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.data)) < n {
		return nil, ErrShort
	}
	b := make([]byte, n)
	copy(b, d.data[:n])
	d.data = d.data[n:]
	return b, nil
}

func (d *Decoder) Path() (wirepath.Path, error) {
	s, err := d.String()
	if err != nil {
		return wirepath.Path{}, err
	}
	return wirepath.New(s), nil
}

// End asserts the decoder consumed every byte; called after decoding a
// size-prefixed message body so surplus bytes surface as ExpectedEnd.
func (d *Decoder) End() error {
	if len(d.data) != 0 {
		return ErrExpectedEnd
	}
	return nil
}
