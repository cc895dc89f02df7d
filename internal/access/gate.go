// Package access decides which chat users may drive the relay.
package access

import (
	"regexp"
	"strings"

	"slackrelay/internal/models"
)

var leadingMention = regexp.MustCompile(`^\s*<@([A-Za-z0-9]+)(\|[^>]*)?>`)

// Gate answers access questions against a static roster.
type Gate struct {
	roster map[string]models.AccessRecord
	botIDs []string
}

// NewGate copies the roster; selfID is the relay's own bot identity and is
// treated as a bot even when it is missing from the roster.
func NewGate(roster map[string]models.AccessRecord, selfID string) *Gate {
	g := &Gate{roster: make(map[string]models.AccessRecord, len(roster))}
	for id, rec := range roster {
		g.roster[id] = rec
		if rec.Bot {
			g.botIDs = append(g.botIDs, id)
		}
	}
	if selfID != "" {
		if _, ok := g.roster[selfID]; !ok {
			g.botIDs = append(g.botIDs, selfID)
		}
	}
	return g
}

// IsAllowed reports whether the sender is a known, active roster member.
func (g *Gate) IsAllowed(senderID string) bool {
	rec, ok := g.roster[senderID]
	return ok && rec.Active
}

// IsBot reports whether the sender is a bot, including the relay itself.
func (g *Gate) IsBot(senderID string) bool {
	for _, id := range g.botIDs {
		if id == senderID {
			return true
		}
	}
	return false
}

// Name returns the roster display name, falling back to the raw id.
func (g *Gate) Name(senderID string) string {
	if rec, ok := g.roster[senderID]; ok && rec.Name != "" {
		return rec.Name
	}
	return senderID
}

// Normalize strips bot mentions from the text and replaces mentions of
// roster members with their display names. On app_mention events a leading
// mention of anyone outside the roster is treated as the addressed bot.
func (g *Gate) Normalize(text string, kind models.EventKind) string {
	for _, id := range g.botIDs {
		text = strings.ReplaceAll(text, "<@"+id+"> ", "")
		text = strings.ReplaceAll(text, "<@"+id+">", "")
	}
	if kind == models.KindAppMention {
		if m := leadingMention.FindStringSubmatch(text); m != nil && !g.isMember(m[1]) {
			text = text[len(m[0]):]
		}
	}
	for id, rec := range g.roster {
		if rec.Name == "" {
			continue
		}
		text = strings.ReplaceAll(text, "<@"+id+">", rec.Name)
	}
	return strings.TrimSpace(text)
}

func (g *Gate) isMember(id string) bool {
	rec, ok := g.roster[id]
	return ok && !rec.Bot
}
