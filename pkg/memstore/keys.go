package memstore

import (
	"strings"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// KV key layout for the memstore package.
//
// All keys live under the tenant prefix ("t:{org}:{space}"). Parent index
// keys carry no value; they exist so an episode's children can be listed
// without scanning the whole family.
//
//	{t}:mc:{event_id}            → msgpack MemCell
//	{t}:el:{id}                  → msgpack EventLog
//	{t}:elp:{event_id}:{id}      → (empty) parent index
//	{t}:fs:{id}                  → msgpack Foresight
//	{t}:fsp:{event_id}:{id}      → (empty) parent index
//	{t}:pf:{user_id}:{group_id}  → msgpack UserProfile, latest version only
//	{t}:cm:{group_id}            → msgpack ConversationMeta
//	{t}:ctr:deleted              → msgpack uint64 deletion counter
//
// Record IDs become key segments, so they must not contain the store's
// separator byte. Hosts that accept arbitrary external IDs configure the
// KV store with a non-printable separator (see the kv package doc).

// Family identifiers, also used for index and vector collection naming.
const (
	famMemCell   = "mc"
	famEventLog  = "el"
	famForesight = "fs"
	famProfile   = "pf"
)

// tkey builds a key under the tenant prefix.
func tkey(t tenant.Tenant, parts ...string) kv.Key {
	return kv.Key(append(t.Prefix(), parts...))
}

func memCellKey(t tenant.Tenant, eventID string) kv.Key {
	return tkey(t, famMemCell, eventID)
}

func memCellPrefix(t tenant.Tenant) kv.Key {
	return tkey(t, famMemCell)
}

func eventLogKey(t tenant.Tenant, id string) kv.Key {
	return tkey(t, famEventLog, id)
}

func eventLogPrefix(t tenant.Tenant) kv.Key {
	return tkey(t, famEventLog)
}

func eventLogParentKey(t tenant.Tenant, eventID, id string) kv.Key {
	return tkey(t, "elp", eventID, id)
}

func eventLogParentPrefix(t tenant.Tenant, eventID string) kv.Key {
	return tkey(t, "elp", eventID)
}

func foresightKey(t tenant.Tenant, id string) kv.Key {
	return tkey(t, famForesight, id)
}

func foresightPrefix(t tenant.Tenant) kv.Key {
	return tkey(t, famForesight)
}

func foresightParentKey(t tenant.Tenant, eventID, id string) kv.Key {
	return tkey(t, "fsp", eventID, id)
}

func foresightParentPrefix(t tenant.Tenant, eventID string) kv.Key {
	return tkey(t, "fsp", eventID)
}

func profileKey(t tenant.Tenant, userID, groupID string) kv.Key {
	return tkey(t, famProfile, userID, groupID)
}

// ProfileDocID joins a profile's (user, group) scope into the single
// document ID the search indexes use. User IDs must not contain NUL.
func ProfileDocID(userID, groupID string) string {
	return userID + "\x00" + groupID
}

// SplitProfileDocID reverses [ProfileDocID].
func SplitProfileDocID(id string) (userID, groupID string) {
	userID, groupID, _ = strings.Cut(id, "\x00")
	return userID, groupID
}

func profilePrefix(t tenant.Tenant) kv.Key {
	return tkey(t, famProfile)
}

func convMetaKey(t tenant.Tenant, groupID string) kv.Key {
	return tkey(t, "cm", groupID)
}

func deletedCounterKey(t tenant.Tenant) kv.Key {
	return tkey(t, "ctr", "deleted")
}
