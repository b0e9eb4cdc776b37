// Package executor defines the remote call the queue replays mutations
// through, and the helpers around it: failure classification, per-call
// timeouts and the per-operation bindings used for conflict checks.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Call is one mutation as handed to the remote service.
type Call struct {
	Operation          models.Operation
	Variables          map[string]interface{}
	OptimisticResponse []byte
	Update             []byte
	Context            map[string]interface{}
}

// CallFromRecord rebuilds the call stored in a queue record.
func CallFromRecord(r *models.MutationRecord) Call {
	return Call{
		Operation:          r.Operation(),
		Variables:          models.CloneMap(r.Variables),
		OptimisticResponse: r.OptimisticResponse,
		Update:             r.Update,
		Context:            models.CloneMap(r.Context),
	}
}

// GraphQLError is one entry of a GraphQL "errors" array.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Code returns extensions.code, if any.
func (e GraphQLError) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

// Response is the result of a remote call.
type Response struct {
	Data   map[string]interface{} `json:"data,omitempty"`
	Errors []GraphQLError         `json:"errors,omitempty"`
}

// Executor performs a remote mutation. Implementations must honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, call Call) (*Response, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, call Call) (*Response, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, call Call) (*Response, error) {
	return f(ctx, call)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The queue evicts such records immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return stderrors.As(err, &p)
}

// permanentCodes are GraphQL extensions.code values that a replay can never fix.
var permanentCodes = map[string]bool{
	"validation-failed":    true,
	"constraint-violation": true,
	"access-denied":        true,
	"permission-error":     true,
	"parse-failed":         true,
}

// ResponseError converts GraphQL errors in resp into a Go error, or nil.
// Errors carrying a permanent code are wrapped with Permanent.
func ResponseError(resp *Response) error {
	if resp == nil || len(resp.Errors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(resp.Errors))
	permanent := false
	for _, e := range resp.Errors {
		messages = append(messages, e.Message)
		if permanentCodes[strings.ToLower(e.Code())] {
			permanent = true
		}
	}
	err := errors.New(errors.ErrExecution, "graphql: "+strings.Join(messages, "; "))
	if permanent {
		return Permanent(err)
	}
	return err
}

// WithTimeout bounds every call of next. A call exceeding d fails with an
// EXECUTION_TIMEOUT error, which is retryable. A non-positive d returns next as is.
func WithTimeout(next Executor, d time.Duration) Executor {
	if d <= 0 {
		return next
	}
	return Func(func(ctx context.Context, call Call) (*Response, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type result struct {
			resp *Response
			err  error
		}
		done := make(chan result, 1)
		go func() {
			resp, err := next.Execute(ctx, call)
			done <- result{resp, err}
		}()

		var r result
		select {
		case r = <-done:
		case <-ctx.Done():
			r.err = ctx.Err()
		}
		// A call that gave up on its own because the deadline passed is a timeout too.
		if r.err != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrap(errors.ErrTimeout,
				fmt.Sprintf("%s did not complete within %s", call.Operation.Name, d), r.err)
		}
		return r.resp, r.err
	})
}
