package build

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/go-prompt"

	"modos/internal/codes"
	"modos/internal/schema"
)

// TerminalPrompter asks for missing slot values on the terminal. Enum slots
// offer their permissible values, datetime slots default to today and slots
// with a code matcher offer matching vocabulary terms.
type TerminalPrompter struct {
	Schema   schema.View
	Matchers map[string]codes.Matcher

	// Ask and Choose default to the go-prompt terminal functions.
	Ask    func(question string) string
	Choose func(question string, options []string) int
	Now    func() time.Time
}

// PromptSlot implements Prompter.
func (p *TerminalPrompter) PromptSlot(ctx context.Context, class, slot string) (string, error) {
	ask, choose := p.Ask, p.Choose
	if ask == nil {
		ask = func(q string) string { return prompt.String("%s", q) }
	}
	if choose == nil {
		choose = prompt.Choose
	}
	if m, ok := p.Matchers[slot]; ok {
		return p.promptCode(ctx, m, class, slot, ask, choose)
	}
	rng, kind, err := p.Schema.SlotRange(slot)
	if err != nil {
		return "", err
	}
	switch kind {
	case schema.KindEnum:
		values := p.Schema.EnumValues(rng)
		if len(values) == 0 {
			return "", fmt.Errorf("enum %s has no values", rng)
		}
		i := choose(fmt.Sprintf("%s.%s", class, slot), values)
		if i < 0 || i >= len(values) {
			return "", nil
		}
		return values[i], nil
	case schema.KindDatetime:
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		today := now().Format(time.DateOnly)
		if v := ask(fmt.Sprintf("%s.%s [%s]", class, slot, today)); v != "" {
			return v, nil
		}
		return today, nil
	default:
		return ask(fmt.Sprintf("%s.%s", class, slot)), nil
	}
}

func (p *TerminalPrompter) promptCode(ctx context.Context, m codes.Matcher, class, slot string, ask func(string) string, choose func(string, []string) int) (string, error) {
	query := ask(fmt.Sprintf("%s.%s (search terms)", class, slot))
	if query == "" {
		return "", nil
	}
	found, err := m.FindCodes(ctx, query)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no %s codes match %q", slot, query)
	}
	labels := make([]string, len(found))
	for i, c := range found {
		labels[i] = fmt.Sprintf("%s (%s)", c.Label, c.URI)
	}
	i := choose(fmt.Sprintf("%s.%s", class, slot), labels)
	if i < 0 || i >= len(found) {
		return "", nil
	}
	return found[i].URI, nil
}
