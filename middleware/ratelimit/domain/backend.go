package domain

import "time"

// BackendKind identifica qual contador está ativo.
type BackendKind string

const (
	BackendDistributed BackendKind = "distributed"
	BackendLocal       BackendKind = "local"
)

// BackendState é o estado da conexão com o store distribuído.
//
//	Connecting -> Ready -> Degraded (erro sem recuperação dentro da carência)
//	Connecting -> Degraded (connect/probe falhou ou expirou)
//	Ready      -> Closed   (close explícito ou shutdown)
//
// Degraded e Closed são terminais: não há reconexão no tempo de vida do processo.
type BackendState int

const (
	StateConnecting BackendState = iota
	StateReady
	StateDegraded
	StateClosed
)

func (s BackendState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal indica que o cliente distribuído foi descartado.
func (s BackendState) Terminal() bool {
	return s == StateDegraded || s == StateClosed
}

// StateChange é publicado para assinantes a cada transição.
type StateChange struct {
	From   BackendState
	To     BackendState
	Reason string
	At     time.Time
}

// Signal é emitido pelo cliente distribuído em tempo de execução.
type Signal int

const (
	SignalError Signal = iota + 1
	SignalClose
)

// Health é o resultado do health check do limiter.
type Health struct {
	Healthy  bool        `json:"healthy"`
	Backend  BackendKind `json:"backend"`
	State    string      `json:"state"`
	Message  string      `json:"message"`
	Instance string      `json:"instance,omitempty"`
}
