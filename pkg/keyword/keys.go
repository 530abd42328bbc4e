package keyword

import (
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// KV key layout for the keyword package.
//
//	{t}:kw:{family}:p:{term}:{docID} → msgpack posting
//	{t}:kw:{family}:d:{docID}        → msgpack docStat
//	{t}:kw:{family}:s                → msgpack corpusStat
//
// Terms appear as key segments. The tokenizer only emits letter/digit
// runs and CJK bigrams, so terms can never contain a separator byte.

func postingKey(t tenant.Tenant, family, term, docID string) kv.Key {
	return kv.Key(append(t.Prefix(), "kw", family, "p", term, docID))
}

func postingPrefix(t tenant.Tenant, family, term string) kv.Key {
	return kv.Key(append(t.Prefix(), "kw", family, "p", term))
}

func docKey(t tenant.Tenant, family, docID string) kv.Key {
	return kv.Key(append(t.Prefix(), "kw", family, "d", docID))
}

func statsKey(t tenant.Tenant, family string) kv.Key {
	return kv.Key(append(t.Prefix(), "kw", family, "s"))
}
