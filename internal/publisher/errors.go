package publisher

import "strings"

// Failure kinds. Every workflow invocation ends in exactly one of these or in
// success; none are retried within a single call. A record only gets another
// attempt through the scheduled-reels worker or an explicit resubmission.
const (
	KindAccountNotFound         = "account_not_found"
	KindMediaNotFound           = "media_not_found"
	KindContainerCreationFailed = "container_creation_failed"
	KindUploadFailed            = "upload_failed"
	KindRemoteProcessingFailed  = "remote_processing_failed"
	KindProcessingTimeout       = "processing_timeout"
	KindPublishRejected         = "publish_rejected"
)

// PublishError is a terminal workflow failure. Detail carries the
// human-readable message captured from whichever step failed; it is what gets
// persisted on the publication record.
type PublishError struct {
	Kind   string
	Detail string
}

func (e *PublishError) Error() string {
	if strings.TrimSpace(e.Detail) == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Detail
}

func stepError(kind string, err error) *PublishError {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &PublishError{Kind: kind, Detail: detail}
}
