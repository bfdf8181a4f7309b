package outreach

import (
	"context"

	"github.com/linnemanlabs/go-core/log"
)

// FallbackComposer tries Primary and falls back to Secondary when it fails or
// produces an empty email.
type FallbackComposer struct {
	Primary   Composer
	Secondary Composer
	Logger    log.Logger
}

// Compose implements Composer.
func (f FallbackComposer) Compose(ctx context.Context, r *Request) (Email, error) {
	if f.Primary != nil {
		e, err := f.Primary.Compose(ctx, r)
		if err == nil && e.Subject != "" && e.Body != "" {
			return e, nil
		}
		if f.Logger != nil {
			if err != nil {
				f.Logger.Warn(ctx, "primary composer failed, using fallback", "error", err.Error())
			} else {
				f.Logger.Warn(ctx, "primary composer returned an empty email, using fallback")
			}
		}
	}
	return f.Secondary.Compose(ctx, r)
}
