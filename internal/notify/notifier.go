// Package notify delivers model changes and terminal failures to the host.
package notify

import (
	"sync"

	"github.com/chronodesk/chronosync/internal/model"
)

// Callback receives one notification. change is nil for failures.
type Callback func(success bool, message string, change *model.ModelChange)

// Notifier forwards notifications to the registered callback. With no
// callback registered every call is a no-op.
type Notifier struct {
	mu       sync.RWMutex
	callback Callback
}

// New creates a notifier without a callback
func New() *Notifier {
	return &Notifier{}
}

// SetCallback registers cb, replacing any previous callback. A nil cb
// disables notifications.
func (n *Notifier) SetCallback(cb Callback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callback = cb
}

// Notify invokes the callback once
func (n *Notifier) Notify(success bool, message string, change *model.ModelChange) {
	n.mu.RLock()
	cb := n.callback
	n.mu.RUnlock()

	if cb == nil {
		return
	}
	cb(success, message, change)
}

// Changes invokes the callback once per change, in order. Nothing fires for
// an empty list.
func (n *Notifier) Changes(changes []model.ModelChange) {
	for i := range changes {
		change := changes[i]
		n.Notify(true, change.String(), &change)
	}
}

// Failure reports a terminal error
func (n *Notifier) Failure(err error) {
	if err == nil {
		return
	}
	n.Notify(false, err.Error(), nil)
}
