package domain

// NodeUpdate is the payload of kg_node_updated.
type NodeUpdate struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
	Data     any    `json:"data"`
}

// EdgeUpdate is the payload of kg_edge_updated.
type EdgeUpdate struct {
	EdgeID   string `json:"edgeId"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	EdgeType string `json:"edgeType"`
}

// AssetStatus is the payload of asset_failure and asset_recovery.
type AssetStatus struct {
	AssetID int64 `json:"assetId"`
	SiteID  int64 `json:"siteId"`
}

// TicketRef is the payload of ticket_updated.
type TicketRef struct {
	TicketID int64 `json:"ticketId"`
	SiteID   int64 `json:"siteId"`
}

// ConnectedInfo is the payload of the connected handshake.
type ConnectedInfo struct {
	ClientID    string    `json:"clientId"`
	Transport   Transport `json:"transport"`
	ConnectedAt string    `json:"connectedAt"`
}

// Pong answers a client ping.
type Pong struct {
	TS int64 `json:"ts"`
}
