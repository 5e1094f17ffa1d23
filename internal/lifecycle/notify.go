package lifecycle

import "time"

// Stage is a user-visible step of the launch sequence.
type Stage string

const (
	StageCreating           Stage = "creating"
	StageWaitingForBoot     Stage = "waiting_for_boot"
	StageTunnelEstablishing Stage = "tunnel_establishing"
	StageRunning            Stage = "running"
)

// order returns the position of s in the launch sequence.
func (s Stage) order() int {
	switch s {
	case StageCreating:
		return 1
	case StageWaitingForBoot:
		return 2
	case StageTunnelEstablishing:
		return 3
	case StageRunning:
		return 4
	}
	return 0
}

// StageEvent reports that a launch reached a stage. URL is set on StageRunning.
type StageEvent struct {
	Stage      Stage     `json:"stage"`
	Launch     string    `json:"launch"`
	InstanceID string    `json:"instance"`
	LocalPort  int       `json:"local_port"`
	URL        string    `json:"url,omitempty"`
	Time       time.Time `json:"time"`
}

// Notifier receives stage events. OnStage is called synchronously on the
// goroutine running Launch, in forward order; implementations that drive a
// UI must hand the event off to their own goroutine.
type Notifier interface {
	OnStage(StageEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(StageEvent)

func (f NotifierFunc) OnStage(e StageEvent) { f(e) }

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) OnStage(e StageEvent) {
	for _, n := range ns {
		if n != nil {
			n.OnStage(e)
		}
	}
}
