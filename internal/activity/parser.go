// Package activity owns the structured-activity state machine: command
// parsing, lifecycle, engagement tracking and AI-assisted state updates.
package activity

import (
	"regexp"
	"strings"

	"github.com/cortexhub/companion-gateway/internal/types"
)

// IntentKind is what a recognized command asks for.
type IntentKind string

const (
	IntentNone     IntentKind = "none"
	IntentStart    IntentKind = "start"
	IntentEnd      IntentKind = "end"
	IntentContinue IntentKind = "continue"
	IntentStop     IntentKind = "stop"
	IntentStatus   IntentKind = "status"
)

// Intent is the parsed result of a command match.
type Intent struct {
	Kind IntentKind
	Type types.ActivityType
	Name string
}

// Parser matches message text against the command grammar. The rule table is
// ordered; the first match wins. It is deliberately behind a single
// ParseCommand entry point so the matching strategy can be swapped without
// touching the dispatcher.
type Parser struct {
	rules []rule
}

type rule struct {
	re    *regexp.Regexp
	build func(m []string) Intent
}

// NewParser builds the default grammar.
//
//	/start roleplay: pirates     start roleplay "pirates"
//	start game tic tac toe       start game "tic tac toe"
//	let's brainstorm app names   start brainstorm "app names"
//	end / stop / quit            end the current activity
//	yes continue / keep going    resume after a continuation prompt
//	no stop                      decline a continuation prompt
func NewParser() *Parser {
	return &Parser{rules: []rule{
		{
			re: regexp.MustCompile(`(?i)^/?start\s+(roleplay|game|brainstorm|custom)\s*[:\-]?\s*(.*)$`),
			build: func(m []string) Intent {
				return Intent{Kind: IntentStart, Type: types.ActivityType(strings.ToLower(m[1])), Name: strings.TrimSpace(m[2])}
			},
		},
		{
			re: regexp.MustCompile(`(?i)^let'?s\s+(roleplay|brainstorm)\s*[:\-]?\s*(.*)$`),
			build: func(m []string) Intent {
				return Intent{Kind: IntentStart, Type: types.ActivityType(strings.ToLower(m[1])), Name: strings.TrimSpace(m[2])}
			},
		},
		{
			re: regexp.MustCompile(`(?i)^let'?s\s+play\s+(.+)$`),
			build: func(m []string) Intent {
				return Intent{Kind: IntentStart, Type: types.ActivityGame, Name: strings.TrimSpace(m[1])}
			},
		},
		{
			re: regexp.MustCompile(`(?i)^/?(yes[,!.]?\s*)?(continue|keep going|let'?s keep going)[.!]?$`),
			build: func(m []string) Intent {
				return Intent{Kind: IntentContinue}
			},
		},
		{
			re: regexp.MustCompile(`(?i)^/?(no[,!.]?\s*)?(stop|end|quit|exit)(\s+(it|this|the\s+\w+|activity|roleplay|game|brainstorm))?[.!]?$`),
			build: func(m []string) Intent {
				return Intent{Kind: IntentEnd}
			},
		},
		{
			re: regexp.MustCompile(`(?i)^/?(activity\s+)?status$`),
			build: func(m []string) Intent {
				return Intent{Kind: IntentStatus}
			},
		},
	}}
}

// ParseCommand matches text against the rule table. A miss returns
// Intent{Kind: IntentNone}.
func (p *Parser) ParseCommand(text string) Intent {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Intent{Kind: IntentNone}
	}
	for _, r := range p.rules {
		if m := r.re.FindStringSubmatch(trimmed); m != nil {
			in := r.build(m)
			if in.Kind == IntentStart && !types.ValidActivityType(in.Type) {
				continue
			}
			return in
		}
	}
	return Intent{Kind: IntentNone}
}
