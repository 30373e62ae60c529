package streamer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/text"

	"github.com/nextlevelbuilder/goclaw/internal/cards"
	"github.com/nextlevelbuilder/goclaw/internal/fold"
)

// Per-block length caps (spec §4.5).
const (
	reasoningCapBytes  = 3 * 1024
	toolOutputCapBytes = 5 * 1024
	rawMarkdownCapBytes = 28 * 1024

	defaultByteBudget = 25 * 1024 // per-card budget of serialized JSON
)

const truncationSuffix = "\n\n… (truncated)"

var mdParser = goldmark.New().Parser()

// block is a run of consecutive same-type parts (spec §4.5
// group-consecutive).
type block struct {
	Type  fold.PartType
	Parts []fold.OrderedPart
}

// groupConsecutive fuses runs of same-type parts into blocks, in arrival
// order.
func groupConsecutive(parts []fold.OrderedPart) []block {
	var blocks []block
	for _, p := range parts {
		if len(blocks) > 0 && blocks[len(blocks)-1].Type == p.Type {
			last := &blocks[len(blocks)-1]
			last.Parts = append(last.Parts, p)
			continue
		}
		blocks = append(blocks, block{Type: p.Type, Parts: []fold.OrderedPart{p}})
	}
	return blocks
}

// renderElements converts an ordered part list into a flat element
// sequence, one element per block, before byte-budget pagination.
func renderElements(parts []fold.OrderedPart) []cards.Element {
	blocks := groupConsecutive(parts)
	elements := make([]cards.Element, 0, len(blocks))
	for _, b := range blocks {
		elements = append(elements, renderBlock(b))
	}
	return elements
}

func renderBlock(b block) cards.Element {
	switch b.Type {
	case fold.PartReasoning:
		return renderReasoningBlock(b)
	case fold.PartToolCall:
		return renderToolCallBlock(b)
	default:
		return renderTextBlock(b)
	}
}

func renderTextBlock(b block) cards.Element {
	var sb strings.Builder
	for i, p := range b.Parts {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.Text)
	}
	return cards.Markdown(truncateMarkdown(sb.String(), rawMarkdownCapBytes))
}

func renderReasoningBlock(b block) cards.Element {
	var sb strings.Builder
	for i, p := range b.Parts {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.Text)
	}
	return cards.Panel("Reasoning", false, cards.Markdown(truncateMarkdown(sb.String(), reasoningCapBytes)))
}

func renderToolCallBlock(b block) cards.Element {
	children := make([]cards.Element, 0, len(b.Parts))
	for _, p := range b.Parts {
		children = append(children, renderToolCallPart(p))
	}
	title := "Tools"
	if len(b.Parts) == 1 && b.Parts[0].Tool != nil {
		title = toolCallTitle(b.Parts[0].Tool)
	}
	return cards.Panel(title, false, children...)
}

func renderToolCallPart(p fold.OrderedPart) cards.Element {
	tc := p.Tool
	if tc == nil {
		return cards.Markdown("")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s** `%s`", tc.Name, tc.State)
	if tc.TimeMs >= 100 {
		fmt.Fprintf(&sb, " (%dms)", tc.TimeMs)
	}
	if tc.Input != "" {
		fmt.Fprintf(&sb, "\n\ninput: `%s`", tc.Input)
	}
	if tc.Output != "" {
		sb.WriteString("\n\n" + truncateMarkdown(tc.Output, toolOutputCapBytes))
	}
	if tc.Error != "" {
		fmt.Fprintf(&sb, "\n\nerror: %s", tc.Error)
	}
	if tc.Subtask != nil {
		sb.WriteString("\n\n" + renderSubtask(tc.Subtask))
	}
	return cards.Markdown(sb.String())
}

func renderSubtask(s *fold.SubtaskInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "subtask: %s (tools: %d)", s.AgentType, s.ToolCount)
	if s.CurrentTool != "" {
		fmt.Fprintf(&sb, ", running: %s", s.CurrentTool)
	}
	if s.StreamingText != "" {
		sb.WriteString("\n\n" + truncateRunes(s.StreamingText, 500))
	}
	if s.Conclusion != "" {
		sb.WriteString("\n\n" + s.Conclusion)
	}
	if s.Summary != nil {
		fmt.Fprintf(&sb, "\n\n%d files, +%d/-%d", len(s.Summary.Files), s.Summary.Additions, s.Summary.Deletions)
	}
	return sb.String()
}

func toolCallTitle(tc *fold.ToolCall) string {
	return fmt.Sprintf("%s (%s)", tc.Name, tc.State)
}

// truncateMarkdown truncates at a goldmark block boundary where possible
// so a cut never lands mid-tag, falling back to a plain byte cut with a
// visible suffix (spec §4.5: "excess is truncated with a visible suffix").
func truncateMarkdown(s string, capBytes int) string {
	if len(s) <= capBytes {
		return s
	}

	reserve := capBytes - len(truncationSuffix)
	if reserve < 0 {
		reserve = 0
	}
	cut := reserve

	// Back off to the last paragraph boundary goldmark recognizes, so we
	// don't split inside a fenced code block or list item.
	doc := mdParser.Parse(text.NewReader([]byte(s[:min(len(s), reserve+256)])))
	lastSafe := 0
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		lines := n.Lines()
		if lines.Len() == 0 {
			continue
		}
		end := lines.At(lines.Len() - 1).Stop
		if end <= reserve {
			lastSafe = end
		}
	}
	if lastSafe > 0 {
		cut = lastSafe
	}

	return s[:cut] + truncationSuffix
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// packCards paginates a flat element list into cards bounded by
// byteBudget bytes of serialized JSON each (spec §4.5 per-card byte
// budget, continuation cards titled "<title> (续N)").
func packCards(elements []cards.Element, title string, template cards.HeaderTemplate, byteBudget int) []cards.Card {
	if byteBudget <= 0 {
		byteBudget = defaultByteBudget
	}
	if len(elements) == 0 {
		return []cards.Card{{
			Header:   cards.Header{Title: title, Template: template},
			Elements: nil,
		}}
	}

	var result []cards.Card
	continuation := 0
	cardTitle := title
	current := cards.Card{Header: cards.Header{Title: cardTitle, Template: template}}

	for _, el := range elements {
		candidate := current
		candidate.Elements = append(append([]cards.Element{}, current.Elements...), el)
		if len(current.Elements) > 0 && cardJSONSize(candidate) > byteBudget {
			result = append(result, current)
			continuation++
			cardTitle = fmt.Sprintf("%s (续%d)", title, continuation)
			current = cards.Card{Header: cards.Header{Title: cardTitle, Template: template}, Elements: []cards.Element{el}}
			continue
		}
		current = candidate
	}
	result = append(result, current)
	return result
}

func cardJSONSize(c cards.Card) int {
	b, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return len(b)
}
