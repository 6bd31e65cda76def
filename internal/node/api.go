package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/assignment"
	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/consensus"
	"github.com/dreamware/hive/internal/membership"
	"github.com/dreamware/hive/internal/scheduler"
	"github.com/dreamware/hive/internal/transport"
	"github.com/dreamware/hive/internal/trust"
	"github.com/dreamware/hive/internal/validation"
)

// Api is the node's public HTTP surface. Any member accepts every request;
// writes are forwarded to the leader by the scheduler.
type Api struct {
	node   *Node
	Router *chi.Mux
}

// ErrResponse is the body of every non-2xx response.
type ErrResponse struct {
	HttpStatusCode int    `json:"status"`
	Msg            string `json:"error"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type joinResponse struct {
	RequestID string `json:"request_id"`
}

type leaveRequest struct {
	NodeID string `json:"node_id"`
}

type voteRequest struct {
	ValidatorID string `json:"validator_id"`
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason,omitempty"`
}

type blacklistRequest struct {
	Reason string `json:"reason"`
}

type taskView struct {
	Task       cluster.Task           `json:"task"`
	Assignment *assignment.Assignment `json:"assignment,omitempty"`
}

func (a *Api) InitRouter() {
	a.Router = chi.NewRouter()
	a.Router.Get("/health", a.HealthHandler)
	a.Router.Method(http.MethodGet, "/metrics", a.node.metrics.Handler())
	a.Router.Post("/rpc/{kind}", a.node.mux.ServeHTTP)

	a.Router.Route("/api", func(r chi.Router) {
		r.Get("/state", a.GetStateHandler)
		r.Get("/members", a.GetMembersHandler)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", a.SubmitTaskHandler)
			r.Get("/", a.GetTasksHandler)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", a.GetTaskHandler)
				r.Delete("/", a.CancelTaskHandler)
			})
		})
		r.Route("/join", func(r chi.Router) {
			r.Post("/", a.JoinHandler)
			r.Get("/{requestID}", a.JoinStatusHandler)
		})
		r.Post("/leave", a.LeaveHandler)
		r.Route("/validations/{validationID}", func(r chi.Router) {
			r.Get("/", a.GetValidationHandler)
			r.Post("/results", a.SubmitValidationResultHandler)
		})
		r.Route("/nodes/{nodeID}", func(r chi.Router) {
			r.Get("/trust", a.GetTrustHandler)
			r.Post("/blacklist", a.BlacklistHandler)
		})
	})
}

func (a *Api) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, map[string]string{"status": "ok", "node": a.node.ID()})
}

func (a *Api) GetStateHandler(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, a.node.scheduler.State())
}

func (a *Api) GetMembersHandler(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, a.node.members.Members())
}

func (a *Api) SubmitTaskHandler(w http.ResponseWriter, r *http.Request) {
	var task cluster.Task
	if !a.decode(w, r, &task) {
		return
	}
	id, err := a.node.scheduler.SubmitTask(r.Context(), task)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.node.logger.Debug("task submitted via api", zap.String("task", id))
	a.respond(w, http.StatusCreated, submitResponse{TaskID: id})
}

func (a *Api) GetTasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks := a.node.scheduler.Tasks()
	if status := r.URL.Query().Get("status"); status != "" {
		kept := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	a.respond(w, http.StatusOK, tasks)
}

func (a *Api) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := a.node.scheduler.Task(chi.URLParam(r, "taskID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	view := taskView{Task: task}
	if asg, ok := a.node.scheduler.Assignment(task.ID); ok {
		view.Assignment = &asg
	}
	a.respond(w, http.StatusOK, view)
}

func (a *Api) CancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.node.scheduler.CancelTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) JoinHandler(w http.ResponseWriter, r *http.Request) {
	var req membership.JoinRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		a.writeError(w, http.StatusBadRequest, "node id and address are required")
		return
	}
	// The vote outlives the request.
	id, err := a.node.members.RequestJoin(context.WithoutCancel(r.Context()), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusAccepted, joinResponse{RequestID: id})
}

func (a *Api) JoinStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := a.node.members.JoinStatus(chi.URLParam(r, "requestID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, st)
}

func (a *Api) LeaveHandler(w http.ResponseWriter, r *http.Request) {
	req := leaveRequest{NodeID: a.node.ID()}
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	if err := a.node.members.RequestLeave(req.NodeID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Api) GetValidationHandler(w http.ResponseWriter, r *http.Request) {
	vt, err := a.node.scheduler.Validation(chi.URLParam(r, "validationID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, vt)
}

func (a *Api) SubmitValidationResultHandler(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ValidatorID == "" {
		a.writeError(w, http.StatusBadRequest, "validator_id is required")
		return
	}
	// a node only votes in its own name
	if req.ValidatorID != a.node.ID() {
		a.fail(w, fmt.Errorf("%w: %s cannot vote as %s", validation.ErrNotAssignedValidator, a.node.ID(), req.ValidatorID))
		return
	}
	vote := cluster.ValidationResult{Approved: req.Approved, Reason: req.Reason}
	err := a.node.scheduler.SubmitValidationResult(r.Context(), chi.URLParam(r, "validationID"), req.ValidatorID, vote)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Api) GetTrustHandler(w http.ResponseWriter, r *http.Request) {
	rep, err := a.node.trust.Get(chi.URLParam(r, "nodeID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, rep)
}

func (a *Api) BlacklistHandler(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	if err := a.node.scheduler.Blacklist(r.Context(), chi.URLParam(r, "nodeID"), req.Reason); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	if err := d.Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return false
	}
	return true
}

func (a *Api) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.node.logger.Debug("encode response", zap.Error(err))
	}
}

func (a *Api) writeError(w http.ResponseWriter, status int, msg string) {
	a.respond(w, status, ErrResponse{HttpStatusCode: status, Msg: msg})
}

func (a *Api) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		a.node.logger.Warn("api request failed", zap.Error(err))
	}
	a.writeError(w, status, err.Error())
}

// StatusFor maps a domain error to the HTTP status the API returns for it.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, cluster.ErrInvalidTask),
		errors.Is(err, cluster.ErrDeadlinePassed):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrUnknownTask),
		errors.Is(err, validation.ErrUnknownValidationTask),
		errors.Is(err, assignment.ErrUnknownAssignment),
		errors.Is(err, membership.ErrUnknownJoinRequest),
		errors.Is(err, membership.ErrNotMember),
		errors.Is(err, trust.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, validation.ErrNotAssignedValidator),
		errors.Is(err, scheduler.ErrNotAssignee):
		return http.StatusForbidden
	case errors.Is(err, scheduler.ErrNotCancellable),
		errors.Is(err, scheduler.ErrDuplicateTask),
		errors.Is(err, assignment.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNoLeader),
		errors.Is(err, consensus.ErrNotLeader),
		errors.Is(err, consensus.ErrLeadershipLost),
		errors.Is(err, transport.ErrUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
