// Package entity maps mutation intents to canonical entity kinds and wire
// keys. The mapping is a closed, exhaustively enumerated table: an intent or
// wire key outside it is a schema mismatch, never a best-effort string
// transformation. An earlier incarnation of this pipeline derived wire keys
// with a lowercase/pluralize heuristic and silently dropped records whose
// derived key the backend did not recognize; the closed table is the fix.
package entity

import (
	"rimborso/internal/core"
)

// Kind is a canonical entity kind.
type Kind int

const (
	KindMileageEntry Kind = iota + 1
	KindReceipt
	KindTimeEntry
	KindEmployee
)

// OpType is the mutation type carried by an operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Canonical wire keys. Case-exact; the only top-level keys permitted in a
// sync envelope.
const (
	WireMileageEntries = "mileageEntries"
	WireReceipts       = "receipts"
	WireTimeEntries    = "timeEntries"
	WireEmployees      = "employees"
)

// DuplicatePolicy decides what the reconciler does when the same natural key
// arrives with different content.
type DuplicatePolicy int

const (
	// PolicyConflict rejects the new content and surfaces a conflict for
	// manual reconciliation. Used for append-only financial records.
	PolicyConflict DuplicatePolicy = iota + 1
	// PolicyMergeLatest keeps whichever version carries the newest client
	// timestamp.
	PolicyMergeLatest
)

var kindNames = map[Kind]string{
	KindMileageEntry: "MileageEntry",
	KindReceipt:      "Receipt",
	KindTimeEntry:    "TimeEntry",
	KindEmployee:     "Employee",
}

var wireKeys = map[Kind]string{
	KindMileageEntry: WireMileageEntries,
	KindReceipt:      WireReceipts,
	KindTimeEntry:    WireTimeEntries,
	KindEmployee:     WireEmployees,
}

var kindsByWireKey = map[string]Kind{
	WireMileageEntries: KindMileageEntry,
	WireReceipts:       KindReceipt,
	WireTimeEntries:    KindTimeEntry,
	WireEmployees:      KindEmployee,
}

var duplicatePolicies = map[Kind]DuplicatePolicy{
	KindMileageEntry: PolicyConflict,
	KindReceipt:      PolicyConflict,
	KindTimeEntry:    PolicyMergeLatest,
	KindEmployee:     PolicyMergeLatest,
}

// intents is the total mapping from mutation intent name to (kind, op).
// Adding an entity kind means adding its three intents here; nothing is
// derived at runtime.
var intents = map[string]struct {
	Kind Kind
	Op   OpType
}{
	"createMileageEntry": {KindMileageEntry, OpCreate},
	"updateMileageEntry": {KindMileageEntry, OpUpdate},
	"deleteMileageEntry": {KindMileageEntry, OpDelete},
	"createReceipt":      {KindReceipt, OpCreate},
	"updateReceipt":      {KindReceipt, OpUpdate},
	"deleteReceipt":      {KindReceipt, OpDelete},
	"createTimeEntry":    {KindTimeEntry, OpCreate},
	"updateTimeEntry":    {KindTimeEntry, OpUpdate},
	"deleteTimeEntry":    {KindTimeEntry, OpDelete},
	"createEmployee":     {KindEmployee, OpCreate},
	"updateEmployee":     {KindEmployee, OpUpdate},
	"deleteEmployee":     {KindEmployee, OpDelete},
}

// Normalize maps a mutation intent name to its canonical kind and op type.
// Unknown intents are a schema mismatch.
func Normalize(intent string) (Kind, OpType, error) {
	m, ok := intents[intent]
	if !ok {
		return 0, "", core.SchemaMismatchf("unknown intent %q", intent)
	}
	return m.Kind, m.Op, nil
}

// KindFromWireKey resolves a top-level envelope key. Unknown keys are a
// schema mismatch: the whole batch carrying one must be rejected, never
// partially applied.
func KindFromWireKey(key string) (Kind, error) {
	k, ok := kindsByWireKey[key]
	if !ok {
		return 0, core.SchemaMismatchf("unknown wire key %q", key)
	}
	return k, nil
}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// String returns the canonical kind name, e.g. "MileageEntry".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Kind(?)"
}

// WireKey returns the canonical case-exact wire key, e.g. "mileageEntries".
func (k Kind) WireKey() string {
	return wireKeys[k]
}

// Policy returns the duplicate policy applied by the reconciler for k.
func (k Kind) Policy() DuplicatePolicy {
	return duplicatePolicies[k]
}

// ParseKind resolves a stored canonical kind name back to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, core.SchemaMismatchf("unknown entity kind %q", name)
}

// Kinds returns all canonical kinds in stable order; the dispatcher iterates
// this when building per-kind batches.
func Kinds() []Kind {
	return []Kind{KindMileageEntry, KindReceipt, KindTimeEntry, KindEmployee}
}

func (o OpType) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}
