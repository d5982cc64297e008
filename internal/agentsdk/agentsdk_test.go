package agentsdk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	deltas       []string
	toolUses     []ToolUseBlock
	toolResults  []ToolResultBlock
	sessionInits []string
	results      []ResultMessage
}

func (h *recordingHandler) OnContentDelta(_ int, _ DeltaType, text string) {
	h.deltas = append(h.deltas, text)
}
func (h *recordingHandler) OnToolUse(block ToolUseBlock)       { h.toolUses = append(h.toolUses, block) }
func (h *recordingHandler) OnToolResult(block ToolResultBlock) { h.toolResults = append(h.toolResults, block) }
func (h *recordingHandler) OnSessionInit(id string)            { h.sessionInits = append(h.sessionInits, id) }
func (h *recordingHandler) OnResult(r ResultMessage)           { h.results = append(h.results, r) }

func TestConsumeDispatchesAllEventTypes(t *testing.T) {
	lines := []string{
		`{"type":"SystemMessage","subtype":"init","session_id":"sdk-1"}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","text":"pondering"}}`,
		`{"type":"AssistantMessage","tool_use":[{"id":"t1","name":"search","input":{}}],"tool_result":[{"tool_use_id":"t1","content":"found it"}]}`,
		`{"type":"ResultMessage","session_id":"sdk-1","num_turns":2,"input_tokens":10,"output_tokens":20}`,
	}
	h := &recordingHandler{}
	err := Consume(strings.NewReader(strings.Join(lines, "\n")), h)
	require.NoError(t, err)

	require.Equal(t, []string{"sdk-1"}, h.sessionInits)
	require.Equal(t, []string{"Hello", "pondering"}, h.deltas)
	require.Len(t, h.toolUses, 1)
	require.Equal(t, "search", h.toolUses[0].Name)
	require.Len(t, h.toolResults, 1)
	require.Equal(t, "found it", h.toolResults[0].Content)
	require.Len(t, h.results, 1)
	require.Equal(t, 2, h.results[0].NumTurns)
}

func TestConsumeStopsAtResultMessage(t *testing.T) {
	lines := []string{
		`{"type":"ResultMessage","session_id":"sdk-1"}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"should not appear"}}`,
	}
	h := &recordingHandler{}
	err := Consume(strings.NewReader(strings.Join(lines, "\n")), h)
	require.NoError(t, err)
	require.Empty(t, h.deltas)
}

func TestConsumeSkipsMalformedLinesWithoutAborting(t *testing.T) {
	lines := []string{
		`not json at all`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"ResultMessage"}`,
	}
	h := &recordingHandler{}
	err := Consume(strings.NewReader(strings.Join(lines, "\n")), h)
	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, h.deltas)
}

func TestConsumeTruncatesLongToolResultContent(t *testing.T) {
	longOutput := strings.Repeat("x", MaxToolOutputChars+500)
	line := `{"type":"AssistantMessage","tool_result":[{"tool_use_id":"t1","content":"` + longOutput + `"}]}`
	h := &recordingHandler{}
	err := Consume(strings.NewReader(line+"\n"+`{"type":"ResultMessage"}`), h)
	require.NoError(t, err)
	require.Len(t, h.toolResults, 1)
	require.LessOrEqual(t, len(h.toolResults[0].Content), MaxToolOutputChars+len("…"))
}

func TestConsumeIgnoresNonInitSystemMessage(t *testing.T) {
	lines := []string{
		`{"type":"SystemMessage","subtype":"heartbeat"}`,
		`{"type":"ResultMessage"}`,
	}
	h := &recordingHandler{}
	err := Consume(strings.NewReader(strings.Join(lines, "\n")), h)
	require.NoError(t, err)
	require.Empty(t, h.sessionInits)
}
