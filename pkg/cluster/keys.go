package cluster

import (
	"fmt"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// KV key layout for the cluster package.
//
//	{t}:topic:{user}:state     → msgpack topicState
//	{t}:topic:{user}:s:{seq20} → msgpack []float32 sample
//
// Sequence numbers are zero-padded to 20 digits so lexicographic key
// order equals observation order for the full uint64 range.

func stateKey(t tenant.Tenant, userID string) kv.Key {
	return kv.Key(append(t.Prefix(), "topic", userID, "state"))
}

func sampleKey(t tenant.Tenant, userID string, seq uint64) kv.Key {
	return kv.Key(append(t.Prefix(), "topic", userID, "s", fmt.Sprintf("%020d", seq)))
}

func samplePrefix(t tenant.Tenant, userID string) kv.Key {
	return kv.Key(append(t.Prefix(), "topic", userID, "s"))
}
