package wral

// StateMachine is the capability set a caller supplies for the opaque state
// S that the writer threads through every successful append (spec.md §6).
// It is captured once at Open and never dispatched through a global
// registry — callers pass a concrete implementation, typically a package-
// level value with no fields.
type StateMachine[S any] interface {
	// Encode serializes state for storage in a frozen journal file's
	// trailer.
	Encode(state S) []byte

	// Decode reconstructs state from a trailer's state_blob. It is called
	// at most once per Open, against the most recently sealed journal
	// file; Open does not call it when no sealed file exists.
	Decode(blob []byte) (S, error)

	// Reduce folds one successfully reserved entry into state. It runs
	// under the writer lock (spec.md §4.4 step 1) and must not block.
	Reduce(state S, seqno uint64, payload []byte) S
}

// NopState is the trivial StateMachine for callers with no reducer needs
// (S = () in spec.md's notation).
type NopState struct{}

func (NopState) Encode(struct{}) []byte                                { return nil }
func (NopState) Decode([]byte) (struct{}, error)                       { return struct{}{}, nil }
func (NopState) Reduce(s struct{}, _ uint64, _ []byte) struct{}         { return s }
