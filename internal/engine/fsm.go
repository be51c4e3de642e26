package engine

import "github.com/xela07ax/spaceai-agent-core/internal/domain"

// Event: входной сигнал конечного автомата инстанса.
type Event string

const (
	EventStart        Event = "start"         // queued -> executing (single, multi_step)
	EventStartPlanner Event = "start_planner" // queued -> planning
	EventPlanReady    Event = "plan_ready"    // planning -> executing
	EventStep         Event = "step"          // executing -> executing (модель просит еще действий)
	EventNoMoreTools  Event = "no_more_tools" // executing -> synthesizing
	EventStepLimit    Event = "step_limit"    // executing -> synthesizing (max_steps исчерпан)
	EventFinal        Event = "final"         // synthesizing -> completed
	EventError        Event = "error"         // * -> failed
	EventTimeout      Event = "timeout"       // * -> timeout
	EventCancel       Event = "cancel"        // * -> cancelled
)

// AllEvents: полный перечень событий (для проверки тотальности таблицы).
var AllEvents = []Event{
	EventStart, EventStartPlanner, EventPlanReady, EventStep, EventNoMoreTools,
	EventStepLimit, EventFinal, EventError, EventTimeout, EventCancel,
}

type transitionKey struct {
	from  domain.InstanceState
	event Event
}

// transitions: все определенные переходы. Пара, которой здесь нет, — явный no-op.
var transitions = map[transitionKey]domain.InstanceState{
	{domain.StateQueued, EventStart}:        domain.StateExecuting,
	{domain.StateQueued, EventStartPlanner}: domain.StatePlanning,

	{domain.StatePlanning, EventPlanReady}: domain.StateExecuting,

	{domain.StateExecuting, EventStep}:        domain.StateExecuting,
	{domain.StateExecuting, EventNoMoreTools}: domain.StateSynthesizing,
	{domain.StateExecuting, EventStepLimit}:   domain.StateSynthesizing,

	{domain.StateSynthesizing, EventFinal}: domain.StateCompleted,
}

// StartEvent выбирает стартовое событие по режиму шаблона.
func StartEvent(mode domain.ExecutionMode) Event {
	if mode == domain.ModePlanner {
		return EventStartPlanner
	}
	return EventStart
}

// Transition: тотальная функция (state, event) -> state.
// ok=false означает no-op: состояние не меняется. Терминальные состояния
// поглощающие; error/timeout/cancel переводят любое нетерминальное состояние.
func Transition(from domain.InstanceState, ev Event) (domain.InstanceState, bool) {
	if from.IsTerminal() {
		return from, false
	}
	switch ev {
	case EventError:
		return domain.StateFailed, true
	case EventTimeout:
		return domain.StateTimeout, true
	case EventCancel:
		return domain.StateCancelled, true
	}
	if to, ok := transitions[transitionKey{from, ev}]; ok {
		return to, true
	}
	return from, false
}
