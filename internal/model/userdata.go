package model

import "time"

// UserData is the decoded payload of /me?with_related_data=true.
type UserData struct {
	Since       int64        `json:"since"`
	User        *User        `json:"data"`
	Workspaces  []*Workspace `json:"workspaces,omitempty"`
	Clients     []*Client    `json:"clients,omitempty"`
	Projects    []*Project   `json:"projects,omitempty"`
	Tasks       []*Task      `json:"tasks,omitempty"`
	Tags        []*Tag       `json:"tags,omitempty"`
	TimeEntries []*TimeEntry `json:"time_entries,omitempty"`
}

// SinceTime returns the server timestamp as a time value
func (d *UserData) SinceTime() time.Time {
	if d.Since == 0 {
		return time.Time{}
	}
	return time.Unix(d.Since, 0).UTC()
}

// Entities flattens the payload in dependency order.
func (d *UserData) Entities() []Entity {
	var out []Entity
	if d.User != nil {
		out = append(out, d.User)
	}
	for _, w := range d.Workspaces {
		out = append(out, w)
	}
	for _, c := range d.Clients {
		out = append(out, c)
	}
	for _, p := range d.Projects {
		out = append(out, p)
	}
	for _, t := range d.Tasks {
		out = append(out, t)
	}
	for _, t := range d.Tags {
		out = append(out, t)
	}
	for _, te := range d.TimeEntries {
		out = append(out, te)
	}
	return out
}
