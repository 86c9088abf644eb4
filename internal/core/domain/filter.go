package domain

// TargetAttributes describes what an event is about. It is used only for
// filter matching and is not sent to clients.
type TargetAttributes struct {
	TicketID *int64 `json:"ticketId,omitempty"`
	SiteID   *int64 `json:"siteId,omitempty"`
	AssetID  *int64 `json:"assetId,omitempty"`
}

// IsEmpty reports whether no attribute is set.
func (t TargetAttributes) IsEmpty() bool {
	return t.TicketID == nil && t.SiteID == nil && t.AssetID == nil
}

// Matches decides whether an event with the given target should reach a
// connection holding sub.
//
// Matching is OR across the set filter dimensions: one coinciding
// dimension is enough, even when others disagree. Unfiltered connections
// and untargeted events always match. Existing clients rely on this, so it
// must not be tightened to AND without a protocol change.
func Matches(sub Subscription, target TargetAttributes) bool {
	if sub.IsEmpty() || target.IsEmpty() {
		return true
	}

	if hasID(sub.TicketIDs, target.TicketID) {
		return true
	}
	if hasID(sub.SiteIDs, target.SiteID) {
		return true
	}
	if hasID(sub.AssetIDs, target.AssetID) {
		return true
	}
	if sub.AllTickets && target.TicketID != nil {
		return true
	}

	return false
}

func hasID(set map[int64]struct{}, id *int64) bool {
	if id == nil || len(set) == 0 {
		return false
	}
	_, ok := set[*id]
	return ok
}

// Int64 returns a pointer to v. Handy for building targets and patches.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
