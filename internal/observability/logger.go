package observability

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/nreplctl/internal/logging"
)

// ComponentLogger tags the process logger with a component name for
// structured emitters such as the HTTP request logger.
func ComponentLogger(component string) zerolog.Logger {
	return logs.Logger().With().Str("component", component).Logger()
}
