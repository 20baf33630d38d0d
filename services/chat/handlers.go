package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/R3E-Network/orchestrator/services/base"
)

// HelpHandler answers /help and "aide" commands with the command list.
type HelpHandler struct {
	// Commands maps a command to its description. Nil uses the defaults.
	Commands map[string]string
}

var defaultCommands = []struct{ name, desc string }{
	{"/help", "affiche cette aide"},
	{"status", "état des services (requête)"},
}

func (h HelpHandler) HandlerName() string { return "help" }

// CanHandle implements CommandHandler.
func (h HelpHandler) CanHandle(msg ChatMessage) bool {
	if msg.Type != MessageCommand {
		return false
	}
	cmd := strings.ToLower(strings.TrimSpace(msg.Content))
	return cmd == "/help" || cmd == "aide"
}

// Handle implements CommandHandler.
func (h HelpHandler) Handle(_ context.Context, _ ChatMessage, sc *SessionContext) (ChatResponse, error) {
	var b strings.Builder
	b.WriteString("Commandes disponibles:")
	if h.Commands == nil {
		for _, c := range defaultCommands {
			fmt.Fprintf(&b, "\n  %s - %s", c.name, c.desc)
		}
	} else {
		for _, name := range sortedKeys(h.Commands) {
			fmt.Fprintf(&b, "\n  %s - %s", name, h.Commands[name])
		}
	}
	return ChatResponse{Content: b.String(), Status: ResponseSuccess, Context: sc}, nil
}

// StatusReader lists registered services.
type StatusReader interface {
	Services() []base.Descriptor
}

// StatusHandler answers QUERY messages starting with "status". A trailing
// service id narrows the answer to that service.
type StatusHandler struct {
	reg StatusReader
}

// NewStatusHandler creates a StatusHandler over reg.
func NewStatusHandler(reg StatusReader) StatusHandler {
	return StatusHandler{reg: reg}
}

func (h StatusHandler) HandlerName() string { return "status" }

// CanHandle implements CommandHandler.
func (h StatusHandler) CanHandle(msg ChatMessage) bool {
	return msg.Type == MessageQuery && MatchPrefix("status")(msg)
}

// Handle implements CommandHandler.
func (h StatusHandler) Handle(_ context.Context, msg ChatMessage, sc *SessionContext) (ChatResponse, error) {
	fields := strings.Fields(msg.Content)
	var want string
	if len(fields) > 1 {
		want = fields[1]
	}

	var (
		lines   []string
		actions []ChatAction
	)
	for _, d := range h.reg.Services() {
		if want != "" && d.ID != want {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", d.ID, d.Status))
		actions = append(actions, ChatAction{
			Type:    "service.status",
			Target:  d.ID,
			Payload: map[string]any{"status": d.Status.String(), "type": string(d.Type)},
		})
	}

	if want != "" && len(lines) == 0 {
		return ChatResponse{
			Content: fmt.Sprintf("Service inconnu: %s", want),
			Status:  ResponseError,
			Context: sc,
		}, nil
	}
	if len(lines) == 0 {
		return ChatResponse{Content: "Aucun service enregistré", Status: ResponseSuccess, Context: sc}, nil
	}
	return ChatResponse{
		Content: strings.Join(lines, "\n"),
		Status:  ResponseSuccess,
		Context: sc,
		Actions: actions,
	}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
