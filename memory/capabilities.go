package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
)

type saveArgs struct {
	Topic      string   `json:"topic" jsonschema:"description=Short label to find the note again"`
	Content    string   `json:"content" jsonschema:"description=The fact or observation to remember"`
	Importance *float64 `json:"importance,omitempty" jsonschema:"description=0 to 1; defaults to 0.5"`
}

type recallArgs struct {
	Query string `json:"query,omitempty" jsonschema:"description=Words that must appear in the note; empty returns recent notes"`
	Limit int    `json:"limit,omitempty"`
}

// Module exposes save_memory and recall_memory backed by store.
func Module(store *Store) capability.Module {
	return capability.NewModule("memory", func() ([]*capability.Capability, error) {
		save, err := capability.Func("save_memory", "Remember a fact for later turns. Memories survive history compaction.", "memory",
			func(ctx context.Context, a saveArgs) (any, error) {
				importance := 0.5
				if a.Importance != nil {
					importance = *a.Importance
				}
				if importance < 0 || importance > 1 {
					return nil, failure.New(failure.InvalidArgs, "importance must be between 0 and 1, got %v", importance)
				}
				n, err := store.Save(ctx, a.Topic, a.Content, importance)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("remembered %q as %s", n.Topic, n.ID[:8]), nil
			})
		if err != nil {
			return nil, err
		}

		recall, err := capability.Func("recall_memory", "Search remembered facts.", "memory",
			func(ctx context.Context, a recallArgs) (any, error) {
				notes, err := store.Search(ctx, a.Query, a.Limit)
				if err != nil {
					return nil, err
				}
				if len(notes) == 0 {
					return "no memories found", nil
				}
				var sb strings.Builder
				for _, n := range notes {
					fmt.Fprintf(&sb, "- [%s] %s (%s)\n", n.Topic, n.Content, n.CreatedAt.Format("2006-01-02 15:04"))
				}
				return strings.TrimRight(sb.String(), "\n"), nil
			})
		if err != nil {
			return nil, err
		}
		return []*capability.Capability{save, recall}, nil
	})
}
