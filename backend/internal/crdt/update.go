package crdt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"collabSync/backend/internal/delta"
)

// Reserved origins. They never name a client and are rejected as update origins.
const (
	OriginRemote    = "remote"
	OriginPersisted = "persisted"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpFormat OpKind = "format"
)

// Op is one CRDT operation inside an Update.
//
// insert: a run of runes; rune i gets ID{ID.Clock+i, ID.Client} and sits after
// rune i-1 (rune 0 sits after Parent).
// delete: tombstones Target.
// format: sets attribute Key of Target to Value (nil removes it), stamped with ID.
// Prev is the value the creator saw, used to build the inverse.
type Op struct {
	Kind   OpKind         `json:"k"`
	ID     ID             `json:"id"`
	Parent ID             `json:"p"`
	Text   string         `json:"t,omitempty"`
	Attrs  map[string]any `json:"a,omitempty"`
	Target ID             `json:"tg"`
	Key    string         `json:"key,omitempty"`
	Value  any            `json:"v,omitempty"`
	Prev   any            `json:"pv,omitempty"`
}

// Update is an atomic, idempotent, replayable edit. It is never mutated after creation.
type Update struct {
	ID        string      `json:"id"`
	Origin    string      `json:"origin"`
	Seq       uint64      `json:"seq"`
	Ops       []Op        `json:"ops"`
	Deps      StateVector `json:"deps"`
	CreatedAt time.Time   `json:"createdAt"`
}

func UpdateID(origin string, seq uint64) string {
	return origin + ":" + strconv.FormatUint(seq, 10)
}

// Change is what an applied update did to the materialized content, expressed
// as positional deltas to be applied in order.
type Change struct {
	Origin string
	Update *Update
	Deltas []delta.Delta
}

func (u *Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses and structurally validates a wire payload.
func DecodeUpdate(b []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

// Validate checks everything that can be checked without a replica.
func (u *Update) Validate() error {
	bad := func(format string, a ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrMalformedUpdate, u.ID, fmt.Sprintf(format, a...))
	}
	if err := validOrigin(u.Origin); err != nil {
		return bad("%v", err)
	}
	if u.Seq == 0 {
		return bad("seq must be positive")
	}
	if u.ID != UpdateID(u.Origin, u.Seq) {
		return bad("id does not match origin and seq")
	}
	if u.Deps[u.Origin] != u.Seq-1 {
		return bad("deps[%s]=%d, want %d", u.Origin, u.Deps[u.Origin], u.Seq-1)
	}
	if len(u.Ops) == 0 {
		return bad("no ops")
	}
	for i, op := range u.Ops {
		switch op.Kind {
		case OpInsert:
			if op.ID.Client != u.Origin || op.ID.Clock == 0 {
				return bad("op %d: insert id %s not owned by origin", i, op.ID)
			}
			if op.Text == "" || !utf8.ValidString(op.Text) {
				return bad("op %d: insert text empty or invalid", i)
			}
		case OpDelete:
			if op.Target.IsZero() {
				return bad("op %d: delete without target", i)
			}
		case OpFormat:
			if op.Target.IsZero() || op.Key == "" {
				return bad("op %d: format without target or key", i)
			}
			if op.ID.Client != u.Origin || op.ID.Clock == 0 {
				return bad("op %d: format stamp %s not owned by origin", i, op.ID)
			}
		default:
			return bad("op %d: unknown kind %q", i, op.Kind)
		}
	}
	return nil
}

func validOrigin(origin string) error {
	switch {
	case origin == "":
		return fmt.Errorf("empty origin")
	case origin == OriginRemote || origin == OriginPersisted:
		return fmt.Errorf("origin %q is reserved", origin)
	case strings.ContainsAny(origin, ":@"):
		return fmt.Errorf("origin %q contains a separator", origin)
	}
	return nil
}

// runeIDs lists the element IDs created by an insert op.
func (op Op) runeIDs() []ID {
	n := utf8.RuneCountInString(op.Text)
	ids := make([]ID, n)
	for i := range ids {
		ids[i] = ID{Clock: op.ID.Clock + uint64(i), Client: op.ID.Client}
	}
	return ids
}
