package errors

// ErrorInfo is the wire-safe shape of an Error inside a Result.
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Context string            `json:"context,omitempty"`
}

// Result is the structured outcome wrapper used at component boundaries.
// Failures within a stage are captured, logged, and translated into a
// Result rather than propagated as panics across batch boundaries.
type Result struct {
	Success  bool       `json:"success"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
}

// OK builds a successful Result carrying data.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed Result from an error. Structured errors keep their
// code and details; plain errors are wrapped as internal.
func Fail(err error, context string) Result {
	if err == nil {
		return Result{Success: true}
	}
	e, ok := err.(*Error)
	if !ok {
		e = Internal(err.Error(), err)
	}
	return Result{
		Success: false,
		Error: &ErrorInfo{
			Code:    e.Code,
			Message: e.Message,
			Details: e.Details,
			Context: context,
		},
	}
}

// WithWarning appends a warning to the result and returns it.
func (r Result) WithWarning(w string) Result {
	r.Warnings = append(r.Warnings, w)
	return r
}
