package redis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflowkernel/internal/domain"
)

func TestMarshalEnvelope_WrapsEventTypeAndPayload(t *testing.T) {
	envelope, err := marshalEnvelope(domain.EventWorkflowCreated, []byte(`{"workflow_id":"abc"}`))
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(envelope, &got))
	assert.JSONEq(t, `"workflow.created"`, string(got["event_type"]))
	assert.JSONEq(t, `{"workflow_id":"abc"}`, string(got["payload"]))
}
