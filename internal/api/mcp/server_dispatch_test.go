package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennelworks/kennel/internal/api/mcp"
)

// decodeResponse unmarshals a raw JSON-RPC response for assertions.
func decodeResponse(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

// resultOf extracts the result object from a decoded response, failing the
// test when the response carries an error instead.
func resultOf(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	require.NotContains(t, resp, "error", "response: %v", resp)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "result is not an object: %v", resp["result"])
	return result
}

// ---------------------------------------------------------------------------
// JSON-RPC envelope handling
// ---------------------------------------------------------------------------

func TestHandleRequestParseError(t *testing.T) {
	srv := newTestServer(t)

	raw, err := srv.HandleRequest(context.Background(), []byte(`{not json`))
	require.NoError(t, err)

	resp := decodeResponse(t, raw)
	errObj := resp["error"].(map[string]interface{})
	assert.EqualValues(t, mcp.ErrCodeParseError, errObj["code"])
}

func TestHandleRequestInvalidVersion(t *testing.T) {
	srv := newTestServer(t)

	req := `{"jsonrpc":"1.0","method":"recall","params":{},"id":1}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	resp := decodeResponse(t, raw)
	errObj := resp["error"].(map[string]interface{})
	assert.EqualValues(t, mcp.ErrCodeInvalidRequest, errObj["code"])
}

func TestHandleRequestNotificationsGetNoResponse(t *testing.T) {
	srv := newTestServer(t)

	// Requests without an id are notifications; answering one violates
	// JSON-RPC 2.0, even for unknown methods or handler failures.
	notifications := []string{
		`{"jsonrpc":"2.0","method":"initialized"}`,
		`{"jsonrpc":"2.0","method":"no_such_method"}`,
		`{"jsonrpc":"2.0","method":"remember","params":{"content":""}}`,
		`{"jsonrpc":"1.0","method":"initialized"}`,
	}
	for _, req := range notifications {
		raw, err := srv.HandleRequest(context.Background(), []byte(req))
		require.NoError(t, err, "request: %s", req)
		assert.Nil(t, raw, "notification must not produce a response: %s", req)
	}

	// The same methods with an id are regular requests and are answered.
	raw, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"initialized"}`))
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.EqualValues(t, 7, decodeResponse(t, raw)["id"])
}

func TestHandleRequestMethodNotFound(t *testing.T) {
	srv := newTestServer(t)

	req := `{"jsonrpc":"2.0","method":"no_such_method","params":{},"id":7}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	resp := decodeResponse(t, raw)
	errObj := resp["error"].(map[string]interface{})
	assert.EqualValues(t, mcp.ErrCodeMethodNotFound, errObj["code"])
	assert.EqualValues(t, 7, resp["id"])
}

func TestHandleRequestInvalidParamsCode(t *testing.T) {
	srv := newTestServer(t)

	// Missing required content maps to the invalid-params error code.
	req := `{"jsonrpc":"2.0","method":"remember","params":{"content":""},"id":2}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	resp := decodeResponse(t, raw)
	errObj := resp["error"].(map[string]interface{})
	assert.EqualValues(t, mcp.ErrCodeInvalidParams, errObj["code"])
}

// ---------------------------------------------------------------------------
// Standard MCP protocol methods
// ---------------------------------------------------------------------------

func TestHandleInitialize(t *testing.T) {
	srv := newTestServer(t)

	req := `{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"host","version":"1.0"}},"id":1}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	result := resultOf(t, decodeResponse(t, raw))
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	serverInfo := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "kennel", serverInfo["name"])
}

func TestHandleToolsList(t *testing.T) {
	srv := newTestServer(t)

	req := `{"jsonrpc":"2.0","method":"tools/list","params":{},"id":1}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	result := resultOf(t, decodeResponse(t, raw))
	tools := result["tools"].([]interface{})

	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		entry := tool.(map[string]interface{})
		name := entry["name"].(string)
		names[name] = true

		// Every tool needs a description and an object input schema.
		assert.NotEmpty(t, entry["description"], "tool %s", name)
		schema := entry["inputSchema"].(map[string]interface{})
		assert.Equal(t, "object", schema["type"], "tool %s", name)
	}

	for _, want := range []string{
		"remember", "recall", "get_context", "check_mistakes", "prior_sessions",
		"record_decision", "supersede_decision", "record_lesson",
		"start_trajectory", "record_action", "complete_trajectory",
		"find_similar_trajectories", "replay_suggestions", "record_replay_result",
		"recommend_dog", "consolidate", "memory_health",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestToolsCallRemember(t *testing.T) {
	srv := newTestServer(t)

	req := `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"remember","arguments":{"content":"notes from the planning call","kind":"summary"}},"id":1}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	result := resultOf(t, decodeResponse(t, raw))
	content := result["content"].([]interface{})
	require.Len(t, content, 1)
	block := content[0].(map[string]interface{})
	assert.Equal(t, "text", block["type"])

	var stored mcp.RememberResult
	require.NoError(t, json.Unmarshal([]byte(block["text"].(string)), &stored))
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "summary", stored.Kind)
	assert.Nil(t, result["isError"])
}

func TestToolsCallUnknownTool(t *testing.T) {
	srv := newTestServer(t)

	req := `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"water_the_plants","arguments":{}},"id":1}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	result := resultOf(t, decodeResponse(t, raw))
	assert.Equal(t, true, result["isError"])
	content := result["content"].([]interface{})
	block := content[0].(map[string]interface{})
	assert.Contains(t, block["text"], "unknown tool")
}

func TestToolsCallHandlerErrorWrapped(t *testing.T) {
	srv := newTestServer(t)

	// A tool-level failure stays inside the MCP envelope (isError content
	// block), not a JSON-RPC error: the protocol call itself succeeded.
	req := `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"complete_trajectory","arguments":{"trajectory_id":"missing","outcome":"success"}},"id":1}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)

	resp := decodeResponse(t, raw)
	result := resultOf(t, resp)
	assert.Equal(t, true, result["isError"])
}

// ---------------------------------------------------------------------------
// Native method dispatch end to end
// ---------------------------------------------------------------------------

func TestDispatchTrajectoryFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	call := func(method, params string) map[string]interface{} {
		t.Helper()
		req := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s,"id":1}`, method, params)
		raw, err := srv.HandleRequest(ctx, []byte(req))
		require.NoError(t, err)
		return resultOf(t, decodeResponse(t, raw))
	}

	started := call("start_trajectory", `{"task_type":"bugfix","agent_id":"rex"}`)
	id := started["trajectory_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", started["outcome"])

	recorded := call("record_action", fmt.Sprintf(`{"trajectory_id":%q,"tool":"grep","input":"ErrNotFound","success":true}`, id))
	assert.Equal(t, "search", recorded["kind"])

	completed := call("complete_trajectory", fmt.Sprintf(`{"trajectory_id":%q,"outcome":"success"}`, id))
	assert.Equal(t, "success", completed["outcome"])
	assert.NotEmpty(t, completed["similarity_hash"])

	similar := call("find_similar_trajectories", `{"task_type":"bugfix","agent_id":"rex"}`)
	trajectories := similar["trajectories"].([]interface{})
	require.NotEmpty(t, trajectories)
	first := trajectories[0].(map[string]interface{})
	assert.Equal(t, id, first["id"])
}

func TestDispatchConsolidateAndHealth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	req := `{"jsonrpc":"2.0","method":"remember","params":{"content":"memory for maintenance"},"id":1}`
	raw, err := srv.HandleRequest(ctx, []byte(req))
	require.NoError(t, err)
	resultOf(t, decodeResponse(t, raw))

	raw, err = srv.HandleRequest(ctx, []byte(`{"jsonrpc":"2.0","method":"consolidate","params":{"dry_run":true},"id":2}`))
	require.NoError(t, err)
	consolidated := resultOf(t, decodeResponse(t, raw))
	assert.Equal(t, true, consolidated["dry_run"])

	raw, err = srv.HandleRequest(ctx, []byte(`{"jsonrpc":"2.0","method":"memory_health","params":{},"id":3}`))
	require.NoError(t, err)
	health := resultOf(t, decodeResponse(t, raw))
	assert.EqualValues(t, 1, health["total"])
}

// ---------------------------------------------------------------------------
// Lenient argument parsing
// ---------------------------------------------------------------------------

func TestRecordDecisionAlternativesAsString(t *testing.T) {
	srv := newTestServer(t)

	// Some clients serialise array arguments as JSON-encoded strings.
	req := `{"jsonrpc":"2.0","method":"record_decision","params":{"title":"pick a queue","alternatives":"[\"redis\",\"nats\"]"},"id":1}`
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)
	resultOf(t, decodeResponse(t, raw))
}

func TestFlexibleStringListForms(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"array", `{"recent_topics":["auth","sessions"]}`, []string{"auth", "sessions"}},
		{"encoded array", `{"recent_topics":"[\"auth\",\"sessions\"]"}`, []string{"auth", "sessions"}},
		{"comma separated", `{"recent_topics":"auth, sessions"}`, []string{"auth", "sessions"}},
		{"absent", `{}`, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var args mcp.GetContextArgs
			require.NoError(t, json.Unmarshal([]byte(tc.in), &args))
			assert.Equal(t, tc.want, args.RecentTopics)
		})
	}
}
