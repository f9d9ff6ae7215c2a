package domain

// Result is what every mutating operation hands to the presentation layer
type Result struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind Kind     `json:"error_kind,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Data      any      `json:"data,omitempty"`
}

func Success(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Failure converts an error into a failed result
func Failure(err error) Result {
	return Result{
		Success:   false,
		Error:     FormatErrorForUser(err),
		ErrorKind: ErrorKind(err),
	}
}

// WithWarnings attaches non-fatal problems to a result
func (r Result) WithWarnings(warnings ...string) Result {
	if len(warnings) == 0 {
		return r
	}
	r.Warnings = append(r.Warnings, warnings...)
	return r
}

// WithData replaces the result payload
func (r Result) WithData(data any) Result {
	r.Data = data
	return r
}

// Actor identifies who triggered an operation
type Actor struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

// SystemActor is used for cron ticks and bootstrap work
var SystemActor = Actor{Name: "system", Admin: true}

func (a Actor) String() string {
	if a.Name == "" {
		return "anonymous"
	}
	return a.Name
}
