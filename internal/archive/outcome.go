package archive

import "fmt"

// OutcomeClass discriminates the result of a fetch attempt.
type OutcomeClass string

// Outcome classes. Retryable and Permanent replace error-driven control
// flow: the caller branches on the class, never on error types.
const (
	OutcomeFetched     OutcomeClass = "fetched"
	OutcomeNotModified OutcomeClass = "not_modified"
	OutcomeRetryable   OutcomeClass = "retryable"
	OutcomePermanent   OutcomeClass = "permanent"
)

// Outcome is the explicit result of fetching one URL, retries included.
// Page is populated only for OutcomeFetched. HTTPStatus is preserved for
// Permanent outcomes caused by 4xx responses.
type Outcome struct {
	Class      OutcomeClass
	Page       FetchedPage
	HTTPStatus int
	Err        error
}

// Fetched wraps a successful page into an Outcome.
func Fetched(page FetchedPage) Outcome {
	return Outcome{Class: OutcomeFetched, Page: page, HTTPStatus: page.StatusCode}
}

// NotModified reports a 304 against stored validators.
func NotModified() Outcome {
	return Outcome{Class: OutcomeNotModified, HTTPStatus: 304}
}

// Retryable reports a transient failure worth another attempt.
func Retryable(err error) Outcome {
	return Outcome{Class: OutcomeRetryable, Err: err}
}

// Permanent reports a terminal failure; status is 0 when no HTTP response
// was involved.
func Permanent(status int, err error) Outcome {
	return Outcome{Class: OutcomePermanent, HTTPStatus: status, Err: err}
}

// Error renders a diagnostic string for failed outcomes.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	if o.HTTPStatus != 0 {
		return fmt.Sprintf("status %d: %v", o.HTTPStatus, o.Err)
	}
	return o.Err.Error()
}
