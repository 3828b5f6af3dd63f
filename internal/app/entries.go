package app

import (
	"context"
	"fmt"
	"time"

	"github.com/chronodesk/chronosync/internal/model"
)

// StartTimeEntry stops whatever is running and starts a new entry in the
// user's default workspace.
func (c *Client) StartTimeEntry(ctx context.Context, description string) (*model.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, err := c.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now().UTC().Truncate(time.Second)
	stopped, err := c.stopRunning(ctx, now)
	if err != nil {
		return nil, err
	}

	entry := &model.TimeEntry{
		WID:         user.DefaultWID,
		Description: description,
		Start:       now,
		Duration:    -now.Unix(),
		CreatedWith: c.config.App.Name,
	}
	entry.EnsureGUID()
	entry.Touch(now)

	entities := append(stopped, model.Entity(entry))
	changes, err := c.store.Save(ctx, entities...)
	if err != nil {
		return nil, fmt.Errorf("failed to save time entry: %w", err)
	}
	c.notifier.Changes(changes)
	return entry, nil
}

// StopTimeEntry stops the running entry
func (c *Client) StopTimeEntry(ctx context.Context) (*model.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.currentUser(ctx); err != nil {
		return nil, err
	}

	stopped, err := c.stopRunning(ctx, c.clock.Now().UTC().Truncate(time.Second))
	if err != nil {
		return nil, err
	}
	if len(stopped) == 0 {
		return nil, ErrNoRunningEntry
	}

	changes, err := c.store.Save(ctx, stopped...)
	if err != nil {
		return nil, fmt.Errorf("failed to save time entry: %w", err)
	}
	c.notifier.Changes(changes)
	return stopped[len(stopped)-1].(*model.TimeEntry), nil
}

// stopRunning ends every running entry at now and returns them unsaved.
// Requires c.mu held.
func (c *Client) stopRunning(ctx context.Context, now time.Time) ([]model.Entity, error) {
	entries, err := c.store.List(ctx, model.TypeTimeEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to list time entries: %w", err)
	}

	var stopped []model.Entity
	for _, e := range entries {
		te, ok := e.(*model.TimeEntry)
		if !ok || te.IsDeleted() || !te.Running() {
			continue
		}
		te.StopAt(now)
		te.Touch(now)
		stopped = append(stopped, te)
	}
	return stopped, nil
}

// SaveEntity stores a local edit. The entity is pushed with the next sync.
func (c *Client) SaveEntity(ctx context.Context, e model.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := e.Meta()
	meta.EnsureGUID()
	meta.Touch(c.clock.Now())

	changes, err := c.store.Save(ctx, e)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", e.Kind(), err)
	}
	c.notifier.Changes(changes)
	return nil
}

// DeleteEntity records a local tombstone. The deletion is pushed with the
// next sync; an entity the backend never saw is dropped then.
func (c *Client) DeleteEntity(ctx context.Context, kind model.ModelType, guid string, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.store.Find(ctx, kind, guid, id)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", kind, err)
	}
	e.Meta().MarkDeleted(c.clock.Now())

	changes, err := c.store.Save(ctx, e)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	c.notifier.Changes(changes)
	return nil
}
