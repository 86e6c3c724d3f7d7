package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"shelfd/internal/api"
	"shelfd/internal/events"
	"shelfd/internal/runtime/commands"
	"shelfd/internal/webservice"
)

type rescanCommand struct{}

func (rescanCommand) Name() string { return RescanCommandName }

func (s *Server) newDispatcher() *commands.Dispatcher {
	d := commands.NewDispatcher()
	d.Use(commands.LogMiddleware(s.logger))

	apply := commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		wc, ok := cmd.(webservice.Command)
		if !ok {
			return nil, fmt.Errorf("control: unexpected command %T", cmd)
		}
		return s.ctrl.Apply(ctx, wc)
	})
	d.Register(webservice.StartCommandName, apply)
	d.Register(webservice.StopCommandName, apply)
	d.Register(RescanCommandName, commands.HandlerFunc(func(ctx context.Context, _ commands.Command) (commands.Response, error) {
		if s.lib == nil {
			return nil, errors.New("control: library not configured")
		}
		return s.lib.Rescan(ctx)
	}))
	return d
}

// Status converts controller state into its API form.
func Status(st webservice.RunningState, failure *webservice.Failure) api.WebServiceStatus {
	out := api.WebServiceStatus{
		Phase:   st.Phase.String(),
		Running: st.IsRunning(),
		Status:  st.StatusText(),
	}
	if st.Phase == webservice.PhaseRunning {
		out.Address = st.Address
		out.Port = st.Port
		out.PushPort = webservice.PushPort(st.Port)
		out.URL = st.URL()
	}
	if failure != nil {
		out.LastFailure = &api.FailureInfo{Kind: string(failure.Kind), Message: failure.Message}
	}
	return out
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		api.WriteSuccess(c, gin.H{}, "")
		return
	}
	api.WriteSuccess(c, gin.H{
		"overall":    s.health.Overall().String(),
		"components": s.health.Components(),
	}, "")
}

// handleStatus handles GET /webservice
func (s *Server) handleStatus(c *gin.Context) {
	api.WriteSuccess(c, Status(s.ctrl.State(), s.ctrl.LastFailure()), "")
}

// handleStart handles POST /webservice/start. The body is optional. Only a
// failure recorded while this command ran is reported as an error; a start
// superseded by a stop answers with the current state.
func (s *Server) handleStart(c *gin.Context) {
	var req api.StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			api.WriteError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	before := s.ctrl.LastFailure()
	st, ok := s.dispatch(c, webservice.StartCommand(req.Port))
	if !ok {
		return
	}
	failure := s.ctrl.LastFailure()
	if st.Phase != webservice.PhaseRunning && failure != nil && failure != before {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, api.Response{
			Data: Status(st, failure),
			Error: &api.APIError{
				Error:   http.StatusText(http.StatusServiceUnavailable),
				Code:    http.StatusServiceUnavailable,
				Message: failure.Message,
			},
		})
		return
	}
	api.WriteSuccess(c, Status(st, failure), st.StatusText())
}

// handleStop handles POST /webservice/stop
func (s *Server) handleStop(c *gin.Context) {
	st, ok := s.dispatch(c, webservice.StopCommand())
	if !ok {
		return
	}
	api.WriteSuccess(c, Status(st, s.ctrl.LastFailure()), "stopped")
}

// handleRescan handles POST /library/rescan
func (s *Server) handleRescan(c *gin.Context) {
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), rescanCommand{})
	if err != nil {
		api.WriteError(c, http.StatusInternalServerError, err.Error())
		return
	}
	res, _ := resp.(events.LibraryChanged)
	api.WriteSuccess(c, res, "library rescanned")
}

func (s *Server) dispatch(c *gin.Context, cmd webservice.Command) (webservice.RunningState, bool) {
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), cmd)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, webservice.ErrLoopStopped) {
			status = http.StatusServiceUnavailable
		}
		api.WriteError(c, status, err.Error())
		return webservice.RunningState{}, false
	}
	st, _ := resp.(webservice.RunningState)
	return st, true
}
