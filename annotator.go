package action

import (
	"fmt"

	"github.com/sethvargo/go-githubactions"

	"github.com/ethereum-optimism/postman-action/exitcodes"
)

// Annotator is the subset of the GitHub Actions workflow commands the action uses.
// *githubactions.Action satisfies it.
type Annotator interface {
	Errorf(msg string, args ...any)
	Warningf(msg string, args ...any)
	Debugf(msg string, args ...any)
	AddMask(p string)
	SetOutput(k, v string)
	AddStepSummary(markdown string)
}

var _ Annotator = (*githubactions.Action)(nil)

// exitCoder matches cli.ExitCoder without depending on the cli package.
type exitCoder interface {
	error
	ExitCode() int
}

// Fail is the failure-reporting primitive: it emits a single error annotation,
// which fails the workflow step, and returns the exit code for err.
func Fail(a Annotator, err error) int {
	if err == nil {
		return exitcodes.Success
	}

	// Report the typed error rather than the lifecycle wrapping around it.
	msg, code := err.Error(), exitcodes.TestFailure
	if rtErr, ok := asError[*RuntimeError](err); ok {
		msg, code = rtErr.Error(), rtErr.ExitCode()
	} else if testErr, ok := asError[*TestFailureError](err); ok {
		msg, code = testErr.Message, testErr.ExitCode()
	} else if coder, ok := asError[exitCoder](err); ok && coder.ExitCode() != exitcodes.Success {
		code = coder.ExitCode()
	}
	if msg == "" {
		msg = fmt.Sprintf("%T", err)
	}
	a.Errorf("%s", msg)
	return code
}
