package model

// Principal is the "who" of a command: an agent vouched for by an authority.
type Principal struct {
	Agent     string `json:"agent"`
	Authority string `json:"authority"`
}

// NewPrincipal builds a principal.
func NewPrincipal(agent, authority string) Principal {
	return Principal{Agent: agent, Authority: authority}
}

func (p Principal) String() string {
	return p.Agent + "@" + p.Authority
}

// Asset describes an uploaded blob attached to a document.
type Asset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"type"`
	Size        int64  `json:"size"`
	MD5         string `json:"md5"`
	SHA384      string `json:"sha384"`
}

// TimeSource supplies wall-clock milliseconds for command timestamps.
type TimeSource interface {
	NowMilliseconds() int64
}

// Callback is a two-outcome continuation. Exactly one of value or err is
// meaningful, and implementations call it exactly once.
type Callback[T any] func(value T, err error)

// DontCare returns a callback that discards its outcome.
func DontCare[T any]() Callback[T] {
	return func(T, error) {}
}
