package domain

import "sort"

// Transport identifies how a connection is attached to the registry.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// Subscription is a connection's interest filter. The zero value is
// default-open: it matches every event.
type Subscription struct {
	TicketIDs  map[int64]struct{}
	SiteIDs    map[int64]struct{}
	AssetIDs   map[int64]struct{}
	AllTickets bool
}

// NewSubscription returns an empty, default-open subscription.
func NewSubscription() Subscription {
	return Subscription{
		TicketIDs: make(map[int64]struct{}),
		SiteIDs:   make(map[int64]struct{}),
		AssetIDs:  make(map[int64]struct{}),
	}
}

// IsEmpty reports whether no filter dimension is set.
func (s Subscription) IsEmpty() bool {
	return len(s.TicketIDs) == 0 && len(s.SiteIDs) == 0 && len(s.AssetIDs) == 0 && !s.AllTickets
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Subscription) Clone() Subscription {
	return Subscription{
		TicketIDs:  cloneSet(s.TicketIDs),
		SiteIDs:    cloneSet(s.SiteIDs),
		AssetIDs:   cloneSet(s.AssetIDs),
		AllTickets: s.AllTickets,
	}
}

// Apply replaces each dimension present in the patch and leaves the rest
// untouched (shallow, field-by-field merge).
func (s *Subscription) Apply(p FilterPatch) {
	if ids, ok := p.tickets(); ok {
		s.TicketIDs = toSet(ids)
	}
	if ids, ok := p.sites(); ok {
		s.SiteIDs = toSet(ids)
	}
	if ids, ok := p.assets(); ok {
		s.AssetIDs = toSet(ids)
	}
	if p.AllTickets != nil {
		s.AllTickets = *p.AllTickets
	}
}

// Merge adds the patch's ids to the existing sets. AllTickets is only ever
// switched on by a merge.
func (s *Subscription) Merge(p FilterPatch) {
	if ids, ok := p.tickets(); ok {
		s.TicketIDs = addAll(s.TicketIDs, ids)
	}
	if ids, ok := p.sites(); ok {
		s.SiteIDs = addAll(s.SiteIDs, ids)
	}
	if ids, ok := p.assets(); ok {
		s.AssetIDs = addAll(s.AssetIDs, ids)
	}
	if p.AllTickets != nil && *p.AllTickets {
		s.AllTickets = true
	}
}

// Clear reverts to default-open.
func (s *Subscription) Clear() {
	*s = NewSubscription()
}

// View renders the subscription with sorted id lists.
func (s Subscription) View() SubscriptionView {
	return SubscriptionView{
		TicketIDs:  sortedIDs(s.TicketIDs),
		SiteIDs:    sortedIDs(s.SiteIDs),
		AssetIDs:   sortedIDs(s.AssetIDs),
		AllTickets: s.AllTickets,
	}
}

// SubscriptionView is the wire shape of a subscription snapshot.
type SubscriptionView struct {
	TicketIDs  []int64 `json:"ticketIds"`
	SiteIDs    []int64 `json:"siteIds"`
	AssetIDs   []int64 `json:"assetIds"`
	AllTickets bool    `json:"allTickets"`
}

// FilterPatch is a partial filter. A nil field is absent; an empty,
// non-nil list is present and clears that dimension on Apply. Scalar and
// list spellings of the same dimension are combined.
type FilterPatch struct {
	TicketID   *int64  `json:"ticketId,omitempty"`
	TicketIDs  []int64 `json:"ticketIds,omitempty"`
	SiteID     *int64  `json:"siteId,omitempty"`
	SiteIDs    []int64 `json:"siteIds,omitempty"`
	AssetID    *int64  `json:"assetId,omitempty"`
	AssetIDs   []int64 `json:"assetIds,omitempty"`
	AllTickets *bool   `json:"allTickets,omitempty"`
}

// IsEmpty reports whether the patch carries no dimension at all.
func (p FilterPatch) IsEmpty() bool {
	_, t := p.tickets()
	_, s := p.sites()
	_, a := p.assets()
	return !t && !s && !a && p.AllTickets == nil
}

func (p FilterPatch) tickets() ([]int64, bool) { return combine(p.TicketID, p.TicketIDs) }
func (p FilterPatch) sites() ([]int64, bool)   { return combine(p.SiteID, p.SiteIDs) }
func (p FilterPatch) assets() ([]int64, bool)  { return combine(p.AssetID, p.AssetIDs) }

func combine(one *int64, many []int64) ([]int64, bool) {
	if one == nil && many == nil {
		return nil, false
	}
	ids := make([]int64, 0, len(many)+1)
	if one != nil {
		ids = append(ids, *one)
	}
	return append(ids, many...), true
}

func toSet(ids []int64) map[int64]struct{} {
	return addAll(make(map[int64]struct{}, len(ids)), ids)
}

func addAll(set map[int64]struct{}, ids []int64) map[int64]struct{} {
	if set == nil {
		set = make(map[int64]struct{}, len(ids))
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func cloneSet(src map[int64]struct{}) map[int64]struct{} {
	dst := make(map[int64]struct{}, len(src))
	for id := range src {
		dst[id] = struct{}{}
	}
	return dst
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
