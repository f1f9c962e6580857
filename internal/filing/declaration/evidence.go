package declaration

import (
	"context"
	"strings"

	"github.com/mssola/useragent"

	"efiling/internal/filing/models"
	"efiling/pkg/requestcontext"
)

// EvidenceFromContext captures when and from where declarations were accepted.
func EvidenceFromContext(ctx context.Context) *models.DeclarationEvidence {
	ua := requestcontext.UserAgent(ctx)
	ev := &models.DeclarationEvidence{
		AcceptedAt: requestcontext.Now(ctx),
		ClientIP:   requestcontext.ClientIP(ctx),
		UserAgent:  ua,
	}
	if strings.TrimSpace(ua) == "" {
		return ev
	}
	parsed := useragent.New(ua)
	name, version := parsed.Browser()
	ev.Browser = strings.TrimSpace(name + " " + majorVersion(version))
	ev.OS = parsed.OS()
	ev.Mobile = parsed.Mobile()
	return ev
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}
