package platform

import "strings"

// permanentMarkers are the error-message substrings that mark a send failure as permanent.
// Matching is case-sensitive; providers word their errors to hit these deliberately.
var permanentMarkers = []string{
	"Platform configuration",
	"not found",
	"timed out",
	"disabled",
	"invalid",
	"EFATAL",
	"not provided",
}

// IsPermanentSendError reports whether a send failure is permanent under the delivery taxonomy:
// retrying cannot help, so the job must not be re-attempted.
func IsPermanentSendError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
