package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/tidwall/gjson"
)

// ANSI styles for live output, disabled when stdout is not a terminal.
var liveColor = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func dim(s string) string {
	if !liveColor {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}

func bold(s string) string {
	if !liveColor {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

// printLive renders one stream-json line as human-readable progress.
// Unparseable lines are shown dimmed so nothing is lost.
func (w *Worker) printLive(line string) {
	if !gjson.Valid(line) {
		if strings.TrimSpace(line) != "" {
			fmt.Println(dim(line))
		}
		return
	}

	switch gjson.Get(line, "type").String() {
	case "assistant":
		gjson.Get(line, "message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if text := strings.TrimSpace(block.Get("text").String()); text != "" {
					fmt.Println(text)
				}
			case "tool_use":
				fmt.Println(dim(fmt.Sprintf("[tool] %s", block.Get("name").String())))
			}
			return true
		})
	case "result":
		subtype := gjson.Get(line, "subtype").String()
		if subtype == "success" {
			fmt.Println(bold("[done] agent completed"))
		} else {
			fmt.Println(bold(fmt.Sprintf("[done] agent finished: %s", subtype)))
		}
	case "system":
		if sub := gjson.Get(line, "subtype").String(); sub == "init" {
			fmt.Println(dim(fmt.Sprintf("[init] model=%s", gjson.Get(line, "model").String())))
		}
	}
}
