package plugin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentBrief_ApplyNewFieldWins(t *testing.T) {
	brief := AgentBrief{
		AgentID:      "a1",
		Role:         "backend",
		Workstream:   "api",
		AllowedTools: []string{"Read"},
	}
	role := "reviewer"
	patched := brief.Apply(BriefPatch{
		Role:         &role,
		AllowedTools: &[]string{"Read", "Write"},
	})

	assert.Equal(t, "reviewer", patched.Role)
	assert.Equal(t, "api", patched.Workstream, "nil patch field must leave value unchanged")
	assert.Equal(t, []string{"Read", "Write"}, patched.AllowedTools)
	assert.Equal(t, "a1", patched.AgentID)

	assert.Equal(t, "backend", brief.Role, "original must not be modified")
	assert.Equal(t, []string{"Read"}, brief.AllowedTools)
}

func TestAgentBrief_ApplyEmptyStringIsAValue(t *testing.T) {
	brief := AgentBrief{ModelPreference: "gpt"}
	empty := ""
	patched := brief.Apply(BriefPatch{ModelPreference: &empty})
	assert.Equal(t, "", patched.ModelPreference)
}

func TestBriefPatch_IsEmpty(t *testing.T) {
	assert.True(t, BriefPatch{}.IsEmpty())
	desc := "x"
	assert.False(t, BriefPatch{Description: &desc}.IsEmpty())
}

func TestBriefPatch_UnmarshalPartialJSON(t *testing.T) {
	var p BriefPatch
	require.NoError(t, json.Unmarshal([]byte(`{"description":"new","constraints":["no prod"]}`), &p))
	require.NotNil(t, p.Description)
	assert.Equal(t, "new", *p.Description)
	assert.Nil(t, p.Role)
	require.NotNil(t, p.Constraints)
	assert.Equal(t, []string{"no prod"}, *p.Constraints)
	assert.Nil(t, p.AllowedTools)
}

func TestBriefPatch_EmptyListIsSentAndApplied(t *testing.T) {
	patch := BriefPatch{AllowedTools: &[]string{}, MCPServers: &[]MCPServerConfig{}}
	assert.False(t, patch.IsEmpty())

	data, err := json.Marshal(patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"allowedTools":[],"mcpServers":[]}`, string(data))

	var decoded BriefPatch
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.AllowedTools)
	assert.Empty(t, *decoded.AllowedTools)

	brief := AgentBrief{
		AllowedTools: []string{"Read", "Bash"},
		MCPServers:   []MCPServerConfig{{Name: "filesystem"}},
	}
	patched := brief.Apply(decoded)
	assert.NotNil(t, patched.AllowedTools)
	assert.Empty(t, patched.AllowedTools)
	assert.Empty(t, patched.MCPServers)
}

func TestBriefPatch_PolicyFields(t *testing.T) {
	var patch BriefPatch
	require.NoError(t, json.Unmarshal([]byte(`{
		"outputSchema": {"type": "object"},
		"guardrailPolicy": {"maxCost": 5},
		"delegationPolicy": {"canDelegate": false},
		"secretRefs": ["vault:github"],
		"providerConfig": {"temperature": 0.2}
	}`), &patch))
	assert.False(t, patch.IsEmpty())

	patched := AgentBrief{AgentID: "a1", GuardrailPolicy: json.RawMessage(`{"maxCost":1}`)}.Apply(patch)
	assert.JSONEq(t, `{"type":"object"}`, string(patched.OutputSchema))
	assert.JSONEq(t, `{"maxCost":5}`, string(patched.GuardrailPolicy))
	assert.JSONEq(t, `{"canDelegate":false}`, string(patched.DelegationPolicy))
	assert.JSONEq(t, `["vault:github"]`, string(patched.SecretRefs))
	assert.JSONEq(t, `{"temperature":0.2}`, string(patched.ProviderConfig))
	assert.Nil(t, patched.SessionPolicy)

	out, err := json.Marshal(BriefPatch{SecretRefs: json.RawMessage(`[]`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"secretRefs":[]}`, string(out))
}

func TestAgentHandle_Apply(t *testing.T) {
	h := AgentHandle{ID: "a1", PluginName: "container", Status: StatusRunning, SessionID: "s1"}
	paused := StatusPaused
	out := h.Apply(HandlePatch{Status: &paused})

	assert.Equal(t, StatusPaused, out.Status)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, StatusRunning, h.Status)
}

func TestSandboxInfo_Apply(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := SandboxInfo{AgentID: "a1", ProviderType: "docker", CreatedAt: created}
	beat := created.Add(time.Minute)
	out := s.Apply(SandboxPatch{LastHeartbeatAt: &beat})

	assert.Equal(t, beat, out.LastHeartbeatAt)
	assert.Equal(t, created, out.CreatedAt)
	assert.Equal(t, "docker", out.ProviderType)
}

func TestKillRequest_DefaultSerialization(t *testing.T) {
	data, err := json.Marshal(DefaultKillRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"grace":true}`, string(data))
}

func TestSynthesizedKillResponse(t *testing.T) {
	resp := SynthesizedKillResponse()
	assert.False(t, resp.CleanShutdown)
	assert.Equal(t, 0, resp.ArtifactsExtracted)
	assert.Equal(t, KillSynthesized, resp.Source)
	assert.Nil(t, resp.State)
}
