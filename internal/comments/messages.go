package comments

import "errors"

// Fixed table of user-facing messages. Presentation layers render these
// verbatim; raw transport errors never reach the user.
const (
	MsgRetrying     = "Another user edited comments. Retrying..."
	MsgSaveFailed   = "Unable to save after multiple attempts. Your comment was not saved."
	MsgNetwork      = "Could not reach the server. Your comment was not saved."
	MsgEmptyComment = "Cannot submit an empty comment."
)

// UserMessage maps an engine error to its stable user-facing message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		maxRetries *MaxRetriesError
		timeout    *TimeoutError
		validation *ValidationError
		network    *NetworkError
	)

	switch {
	case errors.As(err, &maxRetries), errors.As(err, &timeout):
		return MsgSaveFailed
	case errors.As(err, &validation):
		return MsgEmptyComment
	case errors.As(err, &network):
		return MsgNetwork
	case IsConflict(err):
		return MsgRetrying
	default:
		return MsgNetwork
	}
}
