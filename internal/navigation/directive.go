// Package navigation turns "go-to" tool results in completed assistant
// messages into one-shot navigation side effects on the host page.
package navigation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// ToolKind is the tool name the assistant uses to request navigation.
const ToolKind = "go-to"

// Action is the kind of navigation requested.
type Action string

const (
	ActionNavigate          Action = "navigate"
	ActionScrollToSection   Action = "scrollToSection"
	ActionNavigateAndScroll Action = "navigateAndScroll"
)

// ErrMalformed is returned for a go-to output that cannot be acted on.
var ErrMalformed = errors.New("malformed go-to directive")

// Directive is the decoded output of a go-to tool call.
type Directive struct {
	Action    Action `json:"action"`
	URL       string `json:"url,omitempty"`
	SectionID string `json:"sectionId,omitempty"`
}

// Validate checks that the fields required by the action are present.
func (d Directive) Validate() error {
	switch d.Action {
	case ActionNavigate:
		if d.URL == "" {
			return fmt.Errorf("%w: navigate without url", ErrMalformed)
		}
	case ActionScrollToSection:
		if d.SectionID == "" {
			return fmt.Errorf("%w: scrollToSection without sectionId", ErrMalformed)
		}
	case ActionNavigateAndScroll:
		if d.URL == "" || d.SectionID == "" {
			return fmt.Errorf("%w: navigateAndScroll needs url and sectionId", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformed, d.Action)
	}
	return nil
}

// Find returns the directive of the first go-to tool part whose output is
// available. found is false when the message has none.
func Find(msg model.Message) (d Directive, found bool, err error) {
	for _, p := range msg.Parts {
		if p.Type != model.PartTool || p.Tool == nil || p.Tool.Kind != ToolKind {
			continue
		}
		if p.Tool.State != model.ToolStateOutputAvailable {
			continue
		}
		if err := json.Unmarshal(p.Tool.Output, &d); err != nil {
			return Directive{}, true, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return d, true, d.Validate()
	}
	return Directive{}, false, nil
}
