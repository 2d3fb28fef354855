// Package todomachine defines the demo actor type: an owner-guarded todo
// list. Only the actor's owner may mutate it; everyone with a token for
// the actor may watch it.
package todomachine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/internal/machine/statechart"
)

// ActorType is the registry catalog key.
const ActorType = "todo"

// Event types accepted from clients.
const (
	EventAddTodo    = "ADD_TODO"
	EventToggleTodo = "TOGGLE_TODO"
	EventDeleteTodo = "DELETE_TODO"
)

// New builds the todo chart.
func New() *statechart.Chart {
	return &statechart.Chart{
		Initial: "Ready",
		InitialContext: func(_ core.Address, initialCaller core.Caller, _ map[string]any) core.Context {
			return core.Context{
				Public: map[string]any{
					"ownerId": initialCaller.ID,
					"todos":   []any{},
				},
			}
		},
		States: map[string]*statechart.State{
			"Ready": {
				On: map[string][]statechart.Transition{
					EventAddTodo: {{
						Guard:  ownerOnly,
						Action: addTodo,
					}},
					EventToggleTodo: {{
						Guard:  ownerOnly,
						Action: toggleTodo,
					}},
					EventDeleteTodo: {{
						Guard:  ownerOnly,
						Action: deleteTodo,
					}},
				},
			},
		},
		ClientEvents: map[string]statechart.Validator{
			EventAddTodo:    statechart.Schema(statechart.RequiredString("text")),
			EventToggleTodo: statechart.Schema(statechart.RequiredString("id")),
			EventDeleteTodo: statechart.Schema(statechart.RequiredString("id")),
		},
		ServiceEvents: map[string]statechart.Validator{},
	}
}

func ownerOnly(snap *core.Snapshot, ev core.Event) bool {
	owner, _ := snap.Context.Public["ownerId"].(string)
	return owner != "" && owner == ev.Caller.ID
}

func addTodo(ctx *core.Context, ev core.Event) error {
	text, _ := ev.Payload["text"].(string)
	todos, err := todoList(ctx)
	if err != nil {
		return err
	}
	ctx.Public["todos"] = append(todos, map[string]any{
		"id":        uuid.NewString(),
		"text":      text,
		"completed": false,
	})
	return nil
}

func toggleTodo(ctx *core.Context, ev core.Event) error {
	id, _ := ev.Payload["id"].(string)
	todos, err := todoList(ctx)
	if err != nil {
		return err
	}
	for _, t := range todos {
		todo, ok := t.(map[string]any)
		if !ok || todo["id"] != id {
			continue
		}
		completed, _ := todo["completed"].(bool)
		todo["completed"] = !completed
		return nil
	}
	return fmt.Errorf("no todo with id %q", id)
}

func deleteTodo(ctx *core.Context, ev core.Event) error {
	id, _ := ev.Payload["id"].(string)
	todos, err := todoList(ctx)
	if err != nil {
		return err
	}
	kept := make([]any, 0, len(todos))
	for _, t := range todos {
		if todo, ok := t.(map[string]any); ok && todo["id"] == id {
			continue
		}
		kept = append(kept, t)
	}
	ctx.Public["todos"] = kept
	return nil
}

func todoList(ctx *core.Context) ([]any, error) {
	todos, ok := ctx.Public["todos"].([]any)
	if !ok {
		return nil, fmt.Errorf("todos list missing from context")
	}
	return todos, nil
}
