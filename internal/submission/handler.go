package submission

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/judge/judge/internal/judgeerr"
	"github.com/judge/judge/service"
	"github.com/judge/judge/wscutils"
)

// submitRequest is the JSON body of POST /submissions, validated with
// the same struct-tag/WscValidate convention the teacher's handlers use.
type submitRequest struct {
	ProblemID string `json:"problem_id" validate:"required"`
	Kind      string `json:"kind" validate:"required,oneof=run submit"`
	Code      string `json:"code" validate:"required"`
}

// submitResponseData is the success payload's "data" field.
type submitResponseData struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func getVals(err validator.FieldError) []string {
	switch err.Tag() {
	case "oneof":
		return []string{"run", "submit"}
	default:
		return nil
	}
}

// RegisterRoutes wires this service's handlers onto svc, matching the
// teacher's service.Service.RegisterRoute DI pattern.
func (s *Service) RegisterRoutes(svc *service.Service) {
	svc.RegisterRoute(http.MethodPost, "/submissions", s.handleSubmit)
}

func (s *Service) handleSubmit(c *gin.Context, _ *service.Service) {
	start := time.Now()

	var req submitRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		s.observeHTTP(c, http.StatusBadRequest, start)
		return
	}

	if validationErrors := wscutils.WscValidate(req, getVals); len(validationErrors) > 0 {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, validationErrors))
		s.observeHTTP(c, http.StatusBadRequest, start)
		return
	}

	accepted, err := s.Submit(c.Request.Context(), Input{
		ProblemKey: req.ProblemID,
		Kind:       req.Kind,
		Code:       req.Code,
	})
	if err != nil {
		status, resp := errorResponse(err)
		c.JSON(status, resp)
		s.observeHTTP(c, status, start)
		return
	}

	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(submitResponseData{
		JobID:  accepted.JobID,
		Status: accepted.Status,
	}))
	s.observeHTTP(c, http.StatusOK, start)
}

// errorResponse maps a judgeerr.SubmissionError onto an HTTP status and a
// sanitized wscutils envelope (spec §7: internal causes never reach the
// caller verbatim).
func errorResponse(err error) (int, *wscutils.Response) {
	se, ok := judgeerr.IsSubmissionError(err)
	if !ok {
		return http.StatusInternalServerError, wscutils.NewErrorResponse(judgeerr.MsgIDQueueUnavailable, judgeerr.ErrCodeQueueUnavailable)
	}

	status := http.StatusBadRequest
	switch se.ErrCode {
	case judgeerr.ErrCodeProblemNotFound:
		status = http.StatusNotFound
	case judgeerr.ErrCodeQueueFull:
		status = http.StatusServiceUnavailable
	case judgeerr.ErrCodeQueueUnavailable:
		status = http.StatusServiceUnavailable
	}
	return status, wscutils.NewErrorResponse(se.MsgID, se.ErrCode)
}

func (s *Service) observeHTTP(c *gin.Context, status int, start time.Time) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.HTTPRequest(c.Request.Method, c.FullPath(), status, time.Since(start))
}
