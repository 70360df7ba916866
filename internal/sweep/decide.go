package sweep

// Action is the outcome of comparing one Watch against a fresh fetch.
type Action int

const (
	// ActionNone: fetch succeeded, content unchanged.
	ActionNone Action = iota
	// ActionSkip: fetch failed; leave the stored digest alone and retry on
	// the next sweep.
	ActionSkip
	// ActionNotify: content changed; alert the subscriber and persist the
	// new digest.
	ActionNotify
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSkip:
		return "skip"
	case ActionNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// Decide is the pure core of the sweep: given the stored digest and the fetch
// outcome, pick the action. Effects (notify, persist) live in the service so
// this stays testable without network or storage.
func Decide(stored, fetched string, fetchErr error) Action {
	if fetchErr != nil {
		return ActionSkip
	}
	if fetched == stored {
		return ActionNone
	}
	return ActionNotify
}
