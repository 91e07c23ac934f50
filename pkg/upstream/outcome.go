package upstream

import (
	"encoding/json"
	"strconv"
	"strings"
)

type State int

const (
	StatePending State = iota
	StateSuccess
	StateFailed
	StateTransient
)

// Wire words match what browser clients of the status endpoint already expect.
func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateTransient:
		return "retry"
	default:
		return "processing"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Outcome is the result of one task query. It is derived per query and never stored.
type Outcome struct {
	State    State  `json:"status"`
	Progress int    `json:"progress,omitempty"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
	Detail   string `json:"-"`
}

// Terminal reports whether no further polling can change the state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Upstream task status codes. Only 2 and -1 are terminal; anything else,
// including codes we have never seen, is reported as still pending.
const (
	statusQueued  = 0
	statusRunning = 1
	statusDone    = 2
	statusFailed  = -1
)

func outcomeFromTask(t taskState) Outcome {
	switch int(t.Status) {
	case statusDone:
		if u := t.imageURL(); u != "" {
			return Outcome{State: StateSuccess, Progress: 100, URL: unescapeSlashes(u)}
		}
		return Outcome{State: StatePending, Progress: 90}
	case statusFailed:
		return Outcome{State: StateFailed, Error: "generation failed"}
	case statusRunning:
		return Outcome{State: StatePending, Progress: 50}
	default:
		return Outcome{State: StatePending, Progress: 10}
	}
}

func unescapeSlashes(u string) string {
	return strings.ReplaceAll(strings.TrimSpace(u), `\/`, "/")
}

// looseInt accepts both 2 and "2"; the upstream is a PHP endpoint and is not
// consistent about numeric encoding.
type looseInt int

func (n *looseInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		v = int(f)
	}
	*n = looseInt(v)
	return nil
}
