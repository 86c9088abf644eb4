package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
)

func TestBuildEnvelope(t *testing.T) {
	env, err := buildEnvelope("ticket_updated", 5, 9, 0, `{"status":"open"}`)
	require.NoError(t, err)

	assert.Equal(t, "ticket_updated", env.Type)
	require.NotNil(t, env.Target.TicketID)
	assert.Equal(t, int64(5), *env.Target.TicketID)
	require.NotNil(t, env.Target.SiteID)
	assert.Equal(t, int64(9), *env.Target.SiteID)
	assert.Nil(t, env.Target.AssetID)

	_, err = buildEnvelope("", 0, 0, 0, "{}")
	assert.Error(t, err)

	_, err = buildEnvelope("x", 0, 0, 0, "{not json")
	assert.Error(t, err)
}

func TestOutboxEvent_TargetRoundTrips(t *testing.T) {
	env, err := buildEnvelope("ticket_updated", 5, 9, 3, `{"status":"open"}`)
	require.NoError(t, err)

	event, err := outboxEvent(env)
	require.NoError(t, err)

	assert.Equal(t, domain.AggregateTicket, event.Aggregate)
	assert.Equal(t, int64(5), *event.AggregateID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &body))
	assert.Equal(t, "open", body["status"])

	// The relay must recover the same target the envelope carried.
	assert.Equal(t, env.Target, event.Target())
}

func TestOutboxEvent_SingleTargetKeepsPayload(t *testing.T) {
	env, err := buildEnvelope("asset_failure", 0, 0, 3, `"raw"`)
	require.NoError(t, err)

	event, err := outboxEvent(env)
	require.NoError(t, err)
	assert.Equal(t, domain.AggregateAsset, event.Aggregate)
	assert.JSONEq(t, `"raw"`, string(event.Payload))
}

func TestOutboxEvent_MultipleTargetsNeedObjectPayload(t *testing.T) {
	env, err := buildEnvelope("ticket_updated", 5, 9, 0, `[1,2]`)
	require.NoError(t, err)

	_, err = outboxEvent(env)
	assert.Error(t, err)
}

func TestOutboxEvent_Untargeted(t *testing.T) {
	env, err := buildEnvelope("kg_analytics_updated", 0, 0, 0, `{}`)
	require.NoError(t, err)

	event, err := outboxEvent(env)
	require.NoError(t, err)
	assert.Empty(t, event.Aggregate)
	assert.Nil(t, event.AggregateID)
	assert.True(t, event.Target().IsEmpty())
}
