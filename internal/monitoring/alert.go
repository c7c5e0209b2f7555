package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert raises an operator-facing alert. It is emitted as an error-level log
// event carrying the alert labels until a pager integration exists.
func Alert(message string, labels map[string]string) {
	fields := make(map[string]interface{}, len(labels))
	for k, v := range labels {
		fields[k] = v
	}
	log.Error().
		Bool("alert", true).
		Fields(fields).
		Msg("ALERT: " + message)
}
