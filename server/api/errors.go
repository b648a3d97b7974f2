package api

import (
	"errors"
	"net/http"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/orchestrator"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/tool"
	"github.com/GoCodeAlone/conductor/webhook"
)

// ErrBadRequest marks malformed request input.
var ErrBadRequest = errors.New("bad request")

// StatusFor maps a domain error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, agent.ErrNotFound),
		errors.Is(err, webhook.ErrNotFound),
		errors.Is(err, tool.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrDependencyUnmet),
		errors.Is(err, task.ErrAlreadyExists),
		errors.Is(err, agent.ErrAgentBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrCyclicDependency),
		errors.Is(err, orchestrator.ErrInvalidPlan),
		errors.Is(err, agent.ErrUnknownRole),
		errors.Is(err, webhook.ErrInvalidEndpoint),
		errors.Is(err, tool.ErrInvalidArguments),
		errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrPoolFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// statusForResult picks the status of a direct tool invocation. Execution
// failures are still a successful call of the endpoint.
func statusForResult(res tool.Result) int {
	switch res.ErrorKind {
	case tool.KindNotFound:
		return http.StatusNotFound
	case tool.KindInvalidArguments:
		return http.StatusBadRequest
	case tool.KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusOK
}
