package script

// Ref identifies an entity either by a client-minted temporary id or by the id the
// remote store assigned. A Ref is resolved from temporary to persisted exactly once.
type Ref struct {
	id        string
	temporary bool
}

// Temporary wraps a client-minted id that the remote store has not confirmed yet.
func Temporary(localID string) Ref {
	return Ref{id: localID, temporary: true}
}

// Persisted wraps an id returned by the remote store.
func Persisted(serverID string) Ref {
	return Ref{id: serverID}
}

func (r Ref) ID() string {
	return r.id
}

func (r Ref) IsTemporary() bool {
	return r.temporary
}

func (r Ref) IsZero() bool {
	return r.id == ""
}

func (r Ref) String() string {
	if r.temporary {
		return "temp:" + r.id
	}
	return r.id
}

// MarshalText renders the bare id so refs serialize as plain strings.
func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.id), nil
}
