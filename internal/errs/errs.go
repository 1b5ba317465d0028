// Package errs implements the taxonomy of download errors: a fixed set of
// kinds, each carrying a human-readable message, an actionable suggestion,
// and a retryability flag.
package errs

import "fmt"

// Kind discriminates the taxonomy. Kind replaces a class hierarchy with a
// single tag, following the one-interface-not-many-classes pattern used
// throughout this module.
type Kind int

const (
	KindNotFound Kind = iota
	KindAuthRequired
	KindGated
	KindInsufficientSpace
	KindRateLimited
	KindNetworkError
	KindDownloadInterrupted
	KindFileVerificationError
	KindPersistError
	KindAPIError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAuthRequired:
		return "AuthRequired"
	case KindGated:
		return "Gated"
	case KindInsufficientSpace:
		return "InsufficientSpace"
	case KindRateLimited:
		return "RateLimited"
	case KindNetworkError:
		return "NetworkError"
	case KindDownloadInterrupted:
		return "DownloadInterrupted"
	case KindFileVerificationError:
		return "FileVerificationError"
	case KindPersistError:
		return "PersistError"
	default:
		return "APIError"
	}
}

// DownloadError is the one error type the core ever constructs for
// taxonomy-classified failures.
type DownloadError struct {
	Kind       Kind
	Message    string
	Suggestion string
	Retryable  bool
	cause      error
}

func (e *DownloadError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s\n\nSuggested fix: %s", e.Kind, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DownloadError) Unwrap() error { return e.cause }

// IsRetryable reports whether the retry loop should absorb this error
// rather than failing the task outright.
func IsRetryable(err error) bool {
	var de *DownloadError
	if ok := AsDownloadError(err, &de); ok {
		return de.Retryable
	}
	return false
}

// AsDownloadError walks err's Unwrap chain, as errors.As does, and stores
// the first *DownloadError found in target.
func AsDownloadError(err error, target **DownloadError) bool {
	for err != nil {
		if de, ok := err.(*DownloadError); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func NewNotFound(repoID, platform string) *DownloadError {
	return &DownloadError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("repository not found: %s on %s", repoID, platform),
		Suggestion: fmt.Sprintf(
			"verify the repository ID is correct; check whether it is private (requires a token); confirm it exists on %s",
			platform,
		),
	}
}

func NewAuthRequired(platform, reason string) *DownloadError {
	msg := fmt.Sprintf("authentication failed for %s", platform)
	if reason != "" {
		msg += ": " + reason
	}
	var suggestion string
	switch platform {
	case "huggingface":
		suggestion = "add a HuggingFace token with read access (https://huggingface.co/settings/tokens)"
	case "modelscope":
		suggestion = "set MODELSCOPE_API_TOKEN (https://modelscope.cn/my/myaccesstoken)"
	default:
		suggestion = fmt.Sprintf("check your %s credentials", platform)
	}
	return &DownloadError{Kind: KindAuthRequired, Message: msg, Suggestion: suggestion}
}

func NewGated(repoID string) *DownloadError {
	return &DownloadError{
		Kind:       KindGated,
		Message:    fmt.Sprintf("access denied to gated model: %s", repoID),
		Suggestion: fmt.Sprintf("accept the license at https://huggingface.co/%s, then retry with an authorized token", repoID),
	}
}

func NewInsufficientSpace(required, available int64, path string) *DownloadError {
	const gib = 1024 * 1024 * 1024
	return &DownloadError{
		Kind: KindInsufficientSpace,
		Message: fmt.Sprintf(
			"insufficient disk space on %q: required %.2f GB, available %.2f GB",
			path, float64(required)/gib, float64(available)/gib,
		),
		Suggestion: fmt.Sprintf("free at least %.2f GB or choose a different save path", float64(required-available)/gib),
	}
}

func NewRateLimited(url string) *DownloadError {
	return &DownloadError{
		Kind:      KindRateLimited,
		Message:   fmt.Sprintf("rate limited by upstream: %s", url),
		Retryable: true,
	}
}

func NewNetworkError(url, reason string, cause error) *DownloadError {
	msg := "network error"
	if url != "" {
		msg = fmt.Sprintf("network error accessing: %s", url)
	}
	if reason != "" {
		msg += "\nreason: " + reason
	}
	return &DownloadError{
		Kind:       KindNetworkError,
		Message:    msg,
		Suggestion: "check connectivity, or configure a mirror endpoint",
		Retryable:  true,
		cause:      cause,
	}
}

func NewDownloadInterrupted(taskID int64, progressPercent float64) *DownloadError {
	return &DownloadError{
		Kind:       KindDownloadInterrupted,
		Message:    fmt.Sprintf("download interrupted at %.1f%%", progressPercent),
		Suggestion: "resume to continue from where it left off",
		Retryable:  true,
	}
}

func NewFileVerificationError(path, expected, actual string) *DownloadError {
	msg := fmt.Sprintf("file verification failed: %s", path)
	if expected != "" && actual != "" {
		msg += fmt.Sprintf("\nexpected: %s\ngot: %s", expected, actual)
	}
	return &DownloadError{
		Kind:       KindFileVerificationError,
		Message:    msg,
		Suggestion: "delete the file and re-download",
	}
}

func NewPersistError(op string, cause error) *DownloadError {
	return &DownloadError{
		Kind:    KindPersistError,
		Message: fmt.Sprintf("store operation failed: %s", op),
		cause:   cause,
	}
}

func NewAPIError(reason string, cause error) *DownloadError {
	return &DownloadError{
		Kind:    KindAPIError,
		Message: reason,
		cause:   cause,
	}
}
