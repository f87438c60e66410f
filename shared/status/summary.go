package status

import "encoding/json"

// Summary is the status record consumed by dashboards and status badges.
// Field names are part of the wire format.
type Summary struct {
	Name            string   `json:"name"`
	Activity        Activity `json:"activity"`
	LastBuildLabel  string   `json:"lastBuildLabel"`
	LastBuildStatus string   `json:"lastBuildStatus"`
	LastBuildTime   string   `json:"lastBuildTime"`
	WebURL          string   `json:"webUrl"`
}

func (s Summary) IsEmpty() bool {
	return s == Summary{}
}

// MarshalJSON encodes an empty summary as {}.
func (s Summary) MarshalJSON() ([]byte, error) {
	if s.IsEmpty() {
		return []byte("{}"), nil
	}
	type plain Summary
	return json.Marshal(plain(s))
}

// Summary returns the zero Summary when the branch has no build.
func (r *Resolver) Summary() Summary {
	if r.build == nil {
		return Summary{}
	}

	// Both only fail without a build.
	activity, _ := r.Activity()
	url, _ := r.BuildURL()

	return Summary{
		Name:            r.Name(),
		Activity:        activity,
		LastBuildLabel:  r.LastBuildLabel(),
		LastBuildStatus: r.LastBuildStatus(),
		LastBuildTime:   r.LastBuildTime(),
		WebURL:          url,
	}
}
