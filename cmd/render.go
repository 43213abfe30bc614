package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/lowkeylabs/maestro/pkg/protocol"
)

// lineWidth bounds single-line previews of tool activity so wide CJK
// output does not wrap mid-cell.
const lineWidth = 100

func clipLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, lineWidth, "…")
}

// renderEvent writes one human-readable line (or block) per stream
// event. Frames with no terminal rendering are skipped.
func renderEvent(w io.Writer, ev protocol.Event) {
	content := func(key string) string {
		v, _ := ev.Content[key].(string)
		return v
	}

	switch ev.Type {
	case protocol.EventUserMessage:
		fmt.Fprintf(w, "> %s\n", content("text"))
	case protocol.EventAgentThinking:
		fmt.Fprintf(w, "  [thinking] %s\n", clipLine(content("text")))
	case protocol.EventAgentMessage:
		fmt.Fprintf(w, "\n%s\n", content("text"))
	case protocol.EventToolCall:
		input, _ := json.Marshal(ev.Content["input"])
		fmt.Fprintf(w, "  -> %s %s\n", content("name"), clipLine(string(input)))
	case protocol.EventToolResult:
		prefix := "  <-"
		if isErr, _ := ev.Content["is_error"].(bool); isErr {
			prefix = "  !!"
		}
		fmt.Fprintf(w, "%s %s\n", prefix, clipLine(content("content")))
	case protocol.EventFileEdit:
		fmt.Fprintf(w, "  ~~ %s %s\n", content("operation"), content("path"))
	case protocol.EventWorkspaceInfo:
		fmt.Fprintf(w, "  workspace: %s\n", content("workspace_path"))
	case protocol.EventError:
		fmt.Fprintf(w, "  error (%s): %s\n", content("kind"), content("message"))
	case protocol.EventSystem:
		if kind := content("kind"); kind == "compaction" {
			fmt.Fprintf(w, "  [history compacted]\n")
		}
	}
}
