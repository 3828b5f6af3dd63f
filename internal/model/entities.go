package model

import "time"

// TimeEntry is a tracked span of work. A running entry has a nil Stop and a
// negative Duration holding -start (unix seconds).
type TimeEntry struct {
	Base
	WID         uint64     `json:"workspace_id,omitempty"`
	PID         uint64     `json:"project_id,omitempty"`
	TID         uint64     `json:"task_id,omitempty"`
	Description string     `json:"description"`
	Start       time.Time  `json:"start"`
	Stop        *time.Time `json:"stop,omitempty"`
	Duration    int64      `json:"duration"`
	Billable    bool       `json:"billable"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedWith string     `json:"created_with,omitempty"`
}

// Kind implements Entity
func (*TimeEntry) Kind() ModelType { return TypeTimeEntry }

// Running reports whether the entry is still being tracked.
func (t *TimeEntry) Running() bool {
	return t.Stop == nil && t.Duration < 0
}

// StopAt ends a running entry at the given time.
func (t *TimeEntry) StopAt(at time.Time) {
	if !t.Running() {
		return
	}
	if at.Before(t.Start) {
		at = t.Start
	}
	stop := at
	t.Stop = &stop
	t.Duration = int64(at.Sub(t.Start) / time.Second)
}

// Workspace groups the rest of the user's data.
type Workspace struct {
	Base
	Name string `json:"name"`
}

// Kind implements Entity
func (*Workspace) Kind() ModelType { return TypeWorkspace }

// Client is a customer inside a workspace.
type Client struct {
	Base
	WID  uint64 `json:"wid"`
	Name string `json:"name"`
}

// Kind implements Entity
func (*Client) Kind() ModelType { return TypeClient }

// Project is a billable unit of work.
type Project struct {
	Base
	WID      uint64 `json:"wid"`
	CID      uint64 `json:"cid,omitempty"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	Active   bool   `json:"active"`
	Billable bool   `json:"billable"`
}

// Kind implements Entity
func (*Project) Kind() ModelType { return TypeProject }

// User is the logged-in account.
type User struct {
	Base
	APIToken   string `json:"api_token,omitempty"`
	Email      string `json:"email"`
	Fullname   string `json:"fullname"`
	DefaultWID uint64 `json:"default_workspace_id,omitempty"`
}

// Kind implements Entity
func (*User) Kind() ModelType { return TypeUser }

// Task belongs to a project.
type Task struct {
	Base
	WID    uint64 `json:"wid"`
	PID    uint64 `json:"pid"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Kind implements Entity
func (*Task) Kind() ModelType { return TypeTask }

// Tag labels time entries.
type Tag struct {
	Base
	WID  uint64 `json:"wid"`
	Name string `json:"name"`
}

// Kind implements Entity
func (*Tag) Kind() ModelType { return TypeTag }
