package imagegen

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/manthysbr/sceneforge/internal/core/domain"
)

var contentPolicyMarkers = []string{"content_policy", "content policy", "safety", "nsfw", "moderation"}

// classifyStatus maps a non-200 reply to a generation error kind.
func classifyStatus(service string, code int, body string) error {
	msg := fmt.Sprintf("%s returned status %d: %s", service, code, strings.TrimSpace(body))
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.NewTransientError(msg, nil)
	case mentionsContentPolicy(body):
		return domain.NewContentPolicyError(msg)
	default:
		return domain.NewPermanentError(msg, nil)
	}
}

// classifyMessage maps an execution failure reported by the backend itself.
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case mentionsContentPolicy(msg):
		return domain.NewContentPolicyError(msg)
	case strings.Contains(lower, "out of memory"), strings.Contains(lower, "cuda"):
		return domain.NewTransientError(msg, nil)
	default:
		return domain.NewPermanentError(msg, nil)
	}
}

func mentionsContentPolicy(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range contentPolicyMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
