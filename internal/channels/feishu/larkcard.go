package feishu

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/cards"
)

// toLarkCardJSON renders the abstract card schema into Feishu's CardKit
// JSON body. It is a structural translation, not a copy of any one
// platform's wire format: markdown/divider/note map onto CardKit's own
// tags of the same shape, panel onto collapsible_panel, form onto form.
func toLarkCardJSON(card cards.Card) (string, error) {
	body := map[string]interface{}{
		"config": map[string]interface{}{
			"wide_screen_mode": true,
		},
		"header": map[string]interface{}{
			"title": map[string]interface{}{
				"tag":     "plain_text",
				"content": card.Header.Title,
			},
			"template": string(card.Header.Template),
		},
		"elements": larkElements(card.Elements),
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("feishu: marshal card: %w", err)
	}
	return string(b), nil
}

func larkElements(elements []cards.Element) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(elements))
	for _, el := range elements {
		out = append(out, larkElement(el))
	}
	return out
}

func larkElement(el cards.Element) map[string]interface{} {
	switch el.Kind {
	case cards.ElementMarkdown:
		return map[string]interface{}{"tag": "markdown", "content": el.Content}
	case cards.ElementDivider:
		return map[string]interface{}{"tag": "hr"}
	case cards.ElementNote:
		return map[string]interface{}{
			"tag": "note",
			"elements": []map[string]interface{}{
				{"tag": "plain_text", "content": el.Content},
			},
		}
	case cards.ElementPanel:
		return map[string]interface{}{
			"tag":      "collapsible_panel",
			"expanded": el.Expanded,
			"header": map[string]interface{}{
				"title": map[string]interface{}{"tag": "plain_text", "content": el.Title},
			},
			"elements": larkElements(el.Children),
		}
	case cards.ElementForm:
		return map[string]interface{}{
			"tag":      "form",
			"name":     el.Name,
			"elements": larkFormElements(el.FormElements),
		}
	default:
		return map[string]interface{}{"tag": "markdown", "content": el.Content}
	}
}

func larkFormElements(elements []cards.FormElement) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(elements))
	for _, fe := range elements {
		m := map[string]interface{}{
			"tag":  string(fe.Kind),
			"name": fe.Name,
		}
		if fe.Label != "" {
			m["placeholder"] = map[string]interface{}{"tag": "plain_text", "content": fe.Label}
		}
		if fe.Kind == cards.InputButton {
			m["text"] = map[string]interface{}{"tag": "plain_text", "content": fe.Label}
			delete(m, "placeholder")
		}
		if len(fe.Options) > 0 {
			opts := make([]map[string]interface{}, 0, len(fe.Options))
			for _, o := range fe.Options {
				opts = append(opts, map[string]interface{}{
					"value": o.Value,
					"text":  map[string]interface{}{"tag": "plain_text", "content": o.Text},
				})
			}
			m["options"] = opts
		}
		out = append(out, m)
	}
	return out
}
