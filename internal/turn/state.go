package turn

import (
	"encoding/json"
	"fmt"
)

// State is the conversational state of a session. Exactly one is active at a
// time.
type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
	StateAwaitingReply
	StateSpeaking
	StateError
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateListening:     "listening",
	StateFinalizing:    "finalizing",
	StateAwaitingReply: "awaiting_reply",
	StateSpeaking:      "speaking",
	StateError:         "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Mode decides what happens after a reply has been spoken.
type Mode string

const (
	// ModeContinuous re-arms the recognizer after every turn.
	ModeContinuous Mode = "continuous"
	// ModeSingleShot ends the session after one turn.
	ModeSingleShot Mode = "single_shot"
)
