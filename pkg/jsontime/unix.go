// Package jsontime provides time types that serialize to compact scalar
// forms in both JSON and msgpack, so the same structs can cross the HTTP
// API and the KV storage layer without conversion.
package jsontime

import (
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Unix is a time.Time that serializes to/from Unix seconds.
type Unix time.Time

// NowEpoch returns the current time as Unix.
func NowEpoch() Unix {
	return Unix(time.Now())
}

// Time returns the underlying time.Time value.
func (ep Unix) Time() time.Time {
	return time.Time(ep)
}

// Before reports whether ep is before t.
func (ep Unix) Before(t Unix) bool {
	return time.Time(ep).Before(time.Time(t))
}

// After reports whether ep is after t.
func (ep Unix) After(t Unix) bool {
	return time.Time(ep).After(time.Time(t))
}

// Equal reports whether ep and t represent the same time instant.
func (ep Unix) Equal(t Unix) bool {
	return time.Time(ep).Unix() == time.Time(t).Unix()
}

// UnmarshalJSON implements json.Unmarshaler.
func (ep *Unix) UnmarshalJSON(b []byte) error {
	var t int64
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*ep = Unix(time.Unix(t, 0))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (ep Unix) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(ep).Unix())
}

// EncodeMsgpack implements msgpack.CustomEncoder, storing Unix seconds.
func (ep Unix) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeInt(time.Time(ep).Unix())
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (ep *Unix) DecodeMsgpack(dec *msgpack.Decoder) error {
	t, err := dec.DecodeInt64()
	if err != nil {
		return err
	}
	*ep = Unix(time.Unix(t, 0))
	return nil
}

// String returns the time formatted as a string.
func (ep Unix) String() string {
	return time.Time(ep).String()
}

// IsZero reports whether ep represents the zero time instant.
func (ep Unix) IsZero() bool {
	return time.Time(ep).IsZero()
}

// Sub returns the duration ep-t.
func (ep Unix) Sub(t Unix) time.Duration {
	return time.Time(ep).Sub(time.Time(t))
}

// Add returns the time ep+d.
func (ep Unix) Add(d time.Duration) Unix {
	return Unix(time.Time(ep).Add(d))
}
