// Package telegram decodes inbound webhook deliveries from Telegram's Bot
// API update format into the gateway's internal webhook.Update shape.
package telegram

import (
	"encoding/json"
	"fmt"

	"github.com/sendgate/gateway/pkg/webhook"
)

// update mirrors the subset of Telegram's Update object the gateway
// actually acts on.
type update struct {
	Message *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text     string `json:"text"`
		Entities []struct {
			Type   string `json:"type"`
			Offset int    `json:"offset"`
			Length int    `json:"length"`
		} `json:"entities"`
	} `json:"message"`
}

// Parser decodes Telegram webhook bodies. Implements webhook.Parser.
type Parser struct{}

// NewParser builds a Parser.
func NewParser() *Parser { return &Parser{} }

// Parse decodes one Telegram update, classifying a "/start" command
// message as the funnel's start trigger.
func (p *Parser) Parse(body []byte) (*webhook.Update, error) {
	var u update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	if u.Message == nil {
		return &webhook.Update{}, nil
	}

	isStart := false
	for _, e := range u.Message.Entities {
		if e.Type == "bot_command" && e.Offset == 0 {
			cmd := u.Message.Text
			if e.Length <= len(cmd) {
				cmd = cmd[:e.Length]
			}
			if cmd == "/start" {
				isStart = true
			}
			break
		}
	}

	return &webhook.Update{
		RecipientID: u.Message.Chat.ID,
		IsStart:     isStart,
		PayloadText: u.Message.Text,
	}, nil
}
