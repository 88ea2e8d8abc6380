package notify

import "sync"

// FocusRegistry tracks which conversation the user is currently looking at.
// Signals for the focused conversation are not surfaced as notifications.
type FocusRegistry struct {
	mu      sync.Mutex
	focused string
}

// NewFocusRegistry creates a registry with nothing focused.
func NewFocusRegistry() *FocusRegistry {
	return &FocusRegistry{}
}

// SetFocus marks a conversation as on-screen. Empty clears the focus.
func (r *FocusRegistry) SetFocus(conversation string) {
	r.mu.Lock()
	r.focused = conversation
	r.mu.Unlock()
}

// Focused returns the focused conversation, or empty.
func (r *FocusRegistry) Focused() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

// Suppress reports whether a signal for the conversation should be dropped.
func (r *FocusRegistry) Suppress(conversation string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused != "" && r.focused == conversation
}
