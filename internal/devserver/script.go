package devserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Triggers that start a script step.
const (
	TriggerConnect       = "connect"
	TriggerPlayerMessage = "player_message"
)

// HistoryMessage is one entry of the history endpoint.
type HistoryMessage struct {
	ID                string          `json:"message_id"`
	Content           string          `json:"content"`
	Sender            string          `json:"sender"`
	Timestamp         string          `json:"timestamp"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	HasAudio          bool            `json:"has_audio,omitempty"`
	CharacterName     string          `json:"character_name,omitempty"`
}

// CloseStep closes the socket with a code and reason.
type CloseStep struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Step is one line of a replay script. Exactly one of Frame, History or
// Close is acted on, in that order of precedence.
type Step struct {
	// Trigger is TriggerConnect (the default) or TriggerPlayerMessage.
	Trigger string `json:"trigger,omitempty"`
	// Campaign restricts the step to one campaign. Empty matches all.
	Campaign string `json:"campaign_id,omitempty"`
	// Delay is waited before the step runs, e.g. "250ms".
	Delay string `json:"delay,omitempty"`

	Frame   json.RawMessage `json:"frame,omitempty"`
	History *HistoryMessage `json:"history,omitempty"`
	Close   *CloseStep      `json:"close,omitempty"`

	delay time.Duration
}

func (s Step) matches(trigger, campaignID string) bool {
	t := s.Trigger
	if t == "" {
		t = TriggerConnect
	}
	return t == trigger && (s.Campaign == "" || s.Campaign == campaignID)
}

// ParseScript reads a JSONL script. Blank lines and lines starting with '#'
// are skipped. A line without a frame, history or close key is sent as a
// frame itself.
func ParseScript(r io.Reader) ([]Step, error) {
	var steps []Step
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var step Step
		if err := json.Unmarshal([]byte(text), &step); err != nil {
			return nil, fmt.Errorf("devserver: script line %d: %w", line, err)
		}
		if step.Frame == nil && step.History == nil && step.Close == nil {
			step = Step{Frame: json.RawMessage(text)}
		}
		if step.Delay != "" {
			d, err := time.ParseDuration(step.Delay)
			if err != nil {
				return nil, fmt.Errorf("devserver: script line %d: invalid delay: %w", line, err)
			}
			step.delay = d
		}
		switch step.Trigger {
		case "", TriggerConnect, TriggerPlayerMessage:
		default:
			return nil, fmt.Errorf("devserver: script line %d: unknown trigger %q", line, step.Trigger)
		}
		steps = append(steps, step)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("devserver: read script: %w", err)
	}
	return steps, nil
}

// LoadScript parses the script file at path.
func LoadScript(path string) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("devserver: open script: %w", err)
	}
	defer f.Close()
	return ParseScript(f)
}
