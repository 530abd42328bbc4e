package msgbuf

import (
	"fmt"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// KV key layout for the msgbuf package.
//
//	{t}:buf:{conv}:msg:{seq20} → msgpack memstore.Message
//	{t}:buf:{conv}:meta        → msgpack bufMeta
//
// Sequence numbers are zero-padded to 20 digits so lexicographic key
// order equals numeric order for the full uint64 range.

func msgKey(t tenant.Tenant, conv string, seq uint64) kv.Key {
	return kv.Key(append(t.Prefix(), "buf", conv, "msg", fmt.Sprintf("%020d", seq)))
}

func msgPrefix(t tenant.Tenant, conv string) kv.Key {
	return kv.Key(append(t.Prefix(), "buf", conv, "msg"))
}

func metaKey(t tenant.Tenant, conv string) kv.Key {
	return kv.Key(append(t.Prefix(), "buf", conv, "meta"))
}
